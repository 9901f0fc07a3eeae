package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/pidtune/internal/config"
	"github.com/cwbudde/pidtune/internal/executor"
	"github.com/cwbudde/pidtune/internal/history"
	"github.com/cwbudde/pidtune/internal/metrics"
	"github.com/cwbudde/pidtune/internal/objective"
	"github.com/cwbudde/pidtune/internal/oracle"
	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/store/connect"
	"github.com/cwbudde/pidtune/internal/study"
	"github.com/cwbudde/pidtune/internal/tuner"
)

var (
	trials      int
	budget      int
	workers     int
	workerID    string
	timeout     time.Duration
	lease       time.Duration
	maxAttempts int
	seed        int64
	oracleURL   string
	metricsAddr string
	contourOut  string
	noArtifacts bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create or resume a study and evaluate trials",
	Long: `Creates the study if it does not exist yet, or attaches to it, and runs
workers that claim trials, simulate them and record the results until the
trial limit or the per-worker budget is reached.

Start the same command on several hosts against a shared store to tune in
parallel; interrupted runs pick up where they stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTuning(cmd, false)
	},
}

func init() {
	addWorkFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

// addWorkFlags binds the flags shared by run and resume.
func addWorkFlags(c *cobra.Command) {
	c.Flags().IntVarP(&trials, "trials", "n", 0, "Stop once the study holds this many trials (default from config)")
	c.Flags().IntVar(&budget, "budget", 0, "Trials each worker evaluates at most (0 = no cap)")
	c.Flags().IntVarP(&workers, "workers", "w", 0, "Workers in this process (default from config)")
	c.Flags().StringVar(&workerID, "worker-id", "", "Worker id prefix (default random)")
	c.Flags().DurationVar(&timeout, "timeout", 0, "Timeout of a single simulation call")
	c.Flags().DurationVar(&lease, "lease", 0, "Claim lease renewed by heartbeats")
	c.Flags().IntVar(&maxAttempts, "attempts", 0, "Simulation attempts per trial")
	c.Flags().Int64Var(&seed, "seed", 0, "Sampler seed (0 = time based)")
	c.Flags().StringVar(&oracleURL, "oracle-url", "", "HTTP simulation engine URL")
	c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	c.Flags().StringVar(&contourOut, "contour", "", "Write a contour page of the study to this file when done")
	c.Flags().BoolVar(&noArtifacts, "no-artifacts", false, "Do not keep per-trial response CSVs")
}

// applyWorkFlags copies the explicitly set work flags into c.
func applyWorkFlags(cmd *cobra.Command, c config.Config) config.Config {
	flags := cmd.Flags()
	if flags.Changed("trials") {
		c.Trials = trials
	}
	if flags.Changed("budget") {
		c.Budget = budget
	}
	if flags.Changed("workers") {
		c.Workers = workers
	}
	if flags.Changed("timeout") {
		c.Executor.Timeout = timeout
	}
	if flags.Changed("lease") {
		c.Executor.Lease = lease
	}
	if flags.Changed("attempts") {
		c.Executor.MaxAttempts = maxAttempts
	}
	if flags.Changed("seed") {
		c.Sampler.Seed = seed
	}
	if flags.Changed("oracle-url") {
		c.Oracle.URL = oracleURL
		if c.Oracle.Kind == config.OraclePlant {
			c.Oracle.Kind = config.OracleHTTP
		}
	}
	if noArtifacts {
		c.Executor.Artifacts = false
	}
	return c
}

func runTuning(cmd *cobra.Command, attachOnly bool) error {
	c := applyWorkFlags(cmd, cfg)
	if err := c.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	sp, err := c.ParamSpace()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := connect.Open(ctx, c.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	o, err := c.BuildOracle()
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if p, ok := o.(oracle.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("simulation engine not ready: %w", err)
		}
	}

	ledger, err := history.Open(c.DataDir, c.Study)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}

	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr)
		defer srv.Close()
	}

	slog.Info("Starting tuning", c.Summary()...)

	open := func(i int) (*study.Study, error) {
		if attachOnly {
			return study.Resume(ctx, st, c.Study, c.StudyOptions(i))
		}
		return study.CreateOrResume(ctx, st, c.Study, store.Minimize, sp, c.StudyOptions(i))
	}
	start := time.Now()
	results, runErr := tuner.RunParallel(ctx, c.Workers, func(i int) (*tuner.Worker, error) {
		s, err := open(i)
		if err != nil {
			return nil, err
		}
		w := &tuner.Worker{
			ID:       workerName(workerID, i, c.Workers),
			Executor: executor.New(s, o, c.ExecutorOptions()),
			Ledger:   ledger,
			Budget:   c.Budget,
			MaxTotal: c.Trials,
		}
		if c.Convergence.Enabled {
			w.Tracker = objective.NewConvergenceTracker(c.Convergence)
		}
		return w, nil
	})

	evaluated, failed := 0, 0
	for _, r := range results {
		evaluated += r.Evaluated
		failed += r.Failed
	}
	slog.Info("Workers finished", "workers", len(results), "evaluated", evaluated,
		"failed", failed, "elapsed", time.Since(start))

	// The run context may be cancelled by now; the final report uses its own.
	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := logBest(reportCtx, st, c.Study); err != nil && runErr == nil {
		runErr = err
	}
	if contourOut != "" {
		if err := writeContourFile(reportCtx, st, c.Study, contourOut); err != nil {
			slog.Error("Failed to write contour", "path", contourOut, "error", err)
		} else {
			slog.Info("Contour written", "path", contourOut)
		}
	}
	return runErr
}

// workerName returns the id of the i-th of n workers. An empty prefix lets
// the worker pick a random id.
func workerName(prefix string, i, n int) string {
	if prefix == "" {
		return ""
	}
	if n == 1 {
		return prefix
	}
	return fmt.Sprintf("%s-%d", prefix, i)
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

func logBest(ctx context.Context, st store.Store, name string) error {
	trials, err := st.ReadAll(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	sum := store.Summarize(trials)
	if sum.Best == nil {
		slog.Warn("No trial completed", "study", name, "failed", sum.Failed)
		return nil
	}
	metrics.BestObjective.WithLabelValues(name).Set(sum.Best.Value())
	slog.Info("Best trial", "study", name, "trial", sum.Best.ID, "params", sum.Best.Params.Format(),
		"objective", sum.Best.Value(), "complete", sum.Complete, "failed", sum.Failed)
	return nil
}

func writeContourFile(ctx context.Context, st store.Store, name, path string) error {
	info, err := st.GetStudy(ctx, name)
	if err != nil {
		return err
	}
	trials, err := st.ReadAll(ctx, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return writeFileWith(path, func(f *os.File) error { return history.RenderContour(f, info, trials) })
}
