package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/cwbudde/pidtune/internal/history"
	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/store/connect"
)

var (
	reportOut    string
	reportLedger bool
	reportWatch  bool
)

// reportDebounce coalesces bursts of ledger appends into one render.
const reportDebounce = 500 * time.Millisecond

var reportCmd = &cobra.Command{
	Use:   "report [study]",
	Short: "Export the trial history as CSV and a contour page",
	Long: `Writes history.csv and contour.html for the study into --out (default
<data-dir>/<study>). With --ledger the local history ledger is used instead of
the store, which works offline but only contains trials resolved on this host.

With --watch the report is rewritten whenever a worker on this host appends to
the ledger, until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "Output directory")
	reportCmd.Flags().BoolVar(&reportLedger, "ledger", false, "Read trials from the local history ledger")
	reportCmd.Flags().BoolVar(&reportWatch, "watch", false, "Rewrite the report when the ledger changes")
	rootCmd.AddCommand(reportCmd)
}

// reporter renders the report of one study.
type reporter struct {
	store  store.Store
	ledger *history.Ledger
	study  string
	out    string
	// fromLedger reads trials from the ledger instead of the store.
	fromLedger bool
}

func runReport(cmd *cobra.Command, args []string) error {
	name := cfg.Study
	if len(args) == 1 {
		name = args[0]
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := connect.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()
	ledger, err := history.Open(cfg.DataDir, name)
	if err != nil {
		return err
	}

	r := &reporter{store: st, ledger: ledger, study: name, out: reportOut, fromLedger: reportLedger}
	if r.out == "" {
		r.out = filepath.Dir(ledger.Path())
	}
	if err := r.render(ctx); err != nil {
		return err
	}
	if !reportWatch {
		return nil
	}
	return r.watch(ctx)
}

func (r *reporter) render(ctx context.Context) error {
	info, err := r.store.GetStudy(ctx, r.study)
	if err != nil {
		return err
	}
	var trials []store.Trial
	if r.fromLedger {
		trials, err = r.ledger.ReadAll()
	} else {
		trials, err = r.store.ReadAll(ctx, r.study)
	}
	if err != nil {
		return fmt.Errorf("read trials: %w", err)
	}

	if err := os.MkdirAll(r.out, 0755); err != nil {
		return err
	}
	csvPath := filepath.Join(r.out, "history.csv")
	if err := writeFileWith(csvPath, func(f *os.File) error { return history.WriteCSV(f, trials) }); err != nil {
		return fmt.Errorf("write %s: %w", csvPath, err)
	}
	htmlPath := filepath.Join(r.out, "contour.html")
	err = writeFileWith(htmlPath, func(f *os.File) error { return history.RenderContour(f, info, trials) })
	switch {
	case err == nil:
	case errors.Is(err, history.ErrTooFewDimensions):
		slog.Warn("Skipping contour", "study", r.study, "reason", err)
		htmlPath = ""
	default:
		return fmt.Errorf("write %s: %w", htmlPath, err)
	}

	sum := store.Summarize(trials)
	slog.Info("Report written", "study", r.study, "csv", csvPath, "contour", htmlPath,
		"trials", len(trials), "complete", sum.Complete, "failed", sum.Failed)
	return nil
}

// watch re-renders after ledger writes until ctx is done.
func (r *reporter) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// The ledger file may not exist yet, so watch its directory.
	dir := filepath.Dir(r.ledger.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Info("Watching history", "path", r.ledger.Path())

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != history.FileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending == nil {
				pending = time.After(reportDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := r.render(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("Failed to render report", "study", r.study, "error", err)
			}
		}
	}
}

// writeFileWith writes path through a temporary file so readers never see a
// partial report.
func writeFileWith(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
