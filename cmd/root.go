package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/pidtune/internal/config"
)

var (
	logLevel   string
	logFormat  string
	configPath string
	storageURL string
	studyName  string
	dataDir    string

	logger *slog.Logger
	cfg    config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pidtune",
	Short: "Bayesian tuning of PI controller gains against a process simulation",
	Long: `pidtune searches the KC/KI gains of a PI controller by running closed-loop
simulations and scoring them by integral absolute error. Any number of workers,
on one host or many, share a study through a common store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cmd)
		if err != nil {
			return err
		}
		logger = newLogger(os.Stdout, cfg.LogLevel, logFormat)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (json, text)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML study file")
	rootCmd.PersistentFlags().StringVar(&storageURL, "storage", "", "Store URL (memory://, sqlite://path, badger://dir, http://host:port)")
	rootCmd.PersistentFlags().StringVarP(&studyName, "study", "s", "", "Study name")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for history ledgers and trial artifacts")
}

// loadConfig reads the study file and environment, then applies the flags
// the user set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return c, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}
	if flags.Changed("storage") {
		c.Storage = storageURL
	}
	if flags.Changed("study") {
		c.Study = studyName
	}
	if flags.Changed("data-dir") {
		c.DataDir = dataDir
	}
	return c, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
