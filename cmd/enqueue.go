package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store/connect"
	"github.com/cwbudde/pidtune/internal/study"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue NAME=VALUE...",
	Short: "Queue a parameter vector for evaluation",
	Long: `Adds a PENDING trial with the given gains, for example

  pidtune enqueue --study tank1 KC=0.2 KI=0.01

Workers claim queued trials before asking the optimizer for new points.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	v, err := parseVector(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := connect.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	s, err := study.Resume(ctx, st, cfg.Study, cfg.StudyOptions(0))
	if err != nil {
		return err
	}
	t, err := s.Enqueue(ctx, v)
	if err != nil {
		return err
	}
	slog.Info("Enqueued trial", "study", s.Name(), "trial", t.ID, "params", t.Params.Format())
	fmt.Printf("Trial %d queued: %s\n", t.ID, t.Params.Format())
	return nil
}

// parseVector parses NAME=VALUE arguments.
func parseVector(args []string) (space.Vector, error) {
	v := make(space.Vector, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected NAME=VALUE, got %q", arg)
		}
		if _, dup := v[name]; dup {
			return nil, fmt.Errorf("parameter %s given twice", name)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		v[name] = x
	}
	return v, nil
}
