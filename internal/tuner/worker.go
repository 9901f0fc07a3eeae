// Package tuner runs the worker loop: claim a trial, evaluate it, record it,
// repeat until the budget is spent.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/pidtune/internal/executor"
	"github.com/cwbudde/pidtune/internal/history"
	"github.com/cwbudde/pidtune/internal/objective"
	"github.com/cwbudde/pidtune/internal/store"
)

// Worker evaluates trials of one study until one of its stop conditions
// holds.
type Worker struct {
	// ID names the worker in claims and logs. Empty picks a random id.
	ID string

	Executor *executor.Executor

	// Ledger, when set, receives every trial this worker resolves. Trials a
	// peer resolved first are not appended.
	Ledger *history.Ledger

	// Budget caps the trials this worker evaluates. Zero means no cap.
	Budget int

	// MaxTotal stops the worker once the study holds this many resolved or
	// running trials. Zero means no cap.
	MaxTotal int

	// Tracker, when set, stops the worker once the study best stalls.
	Tracker *objective.ConvergenceTracker

	// OnTrial is called with every trial this worker resolves.
	OnTrial func(store.Trial)
}

// StopReason says why Run returned.
type StopReason string

const (
	StopBudget    StopReason = "budget"
	StopMaxTotal  StopReason = "max_total"
	StopConverged StopReason = "converged"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// Result summarizes one worker run.
type Result struct {
	Worker    string
	Evaluated int
	Failed    int
	Reason    StopReason
}

// Run loops until the budget is spent, the study is full, the best has
// converged or ctx is cancelled. Failed evaluations are logged and the loop
// continues with a new trial; store errors end the run and are returned.
// Cancellation is not an error.
func (w *Worker) Run(ctx context.Context) (Result, error) {
	if w.ID == "" {
		w.ID = "worker-" + uuid.NewString()[:8]
	}
	st := w.Executor.Study()
	res := Result{Worker: w.ID}
	log := slog.With("study", st.Name(), "worker", w.ID)
	log.Info("Worker started", "budget", w.Budget, "max_total", w.MaxTotal)

	start := time.Now()
	stop := func(reason StopReason, err error) (Result, error) {
		res.Reason = reason
		log.Info("Worker stopped", "reason", reason, "evaluated", res.Evaluated,
			"failed", res.Failed, "elapsed", time.Since(start))
		return res, err
	}

	for {
		if ctx.Err() != nil {
			return stop(StopCancelled, nil)
		}
		if w.Budget > 0 && res.Evaluated >= w.Budget {
			return stop(StopBudget, nil)
		}
		if w.MaxTotal > 0 {
			sum, err := st.Summary(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return stop(StopCancelled, nil)
				}
				return stop(StopError, fmt.Errorf("worker %s: %w", w.ID, err))
			}
			if sum.Complete+sum.Failed+sum.Running >= w.MaxTotal {
				return stop(StopMaxTotal, nil)
			}
		}

		out, err := w.Executor.RunOnce(ctx, w.ID)
		var evalErr *executor.EvaluationError
		switch {
		case err == nil:
		case errors.As(err, &evalErr):
			res.Failed++
		case ctx.Err() != nil:
			return stop(StopCancelled, nil)
		default:
			return stop(StopError, fmt.Errorf("worker %s: %w", w.ID, err))
		}
		res.Evaluated++
		if out.Applied {
			w.record(out.Trial)
		}

		if w.Tracker != nil && out.Trial.Status == store.StatusComplete {
			best, err := st.Best(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return stop(StopCancelled, nil)
				}
				return stop(StopError, fmt.Errorf("worker %s: %w", w.ID, err))
			}
			if best != nil && w.Tracker.Update(best.Value()) {
				return stop(StopConverged, nil)
			}
		}
	}
}

func (w *Worker) record(t store.Trial) {
	if w.Ledger != nil {
		if err := w.Ledger.Append(t); err != nil {
			slog.Error("Failed to append trial to history", "trial", t.ID, "error", err)
		}
	}
	if w.OnTrial != nil {
		w.OnTrial(t)
	}
}

// Factory builds the i-th worker of a parallel run.
type Factory func(i int) (*Worker, error)

// RunParallel runs n workers in this process and waits for all of them. The
// first worker that fails with a store error cancels the others.
func RunParallel(ctx context.Context, n int, factory Factory) ([]Result, error) {
	if n < 1 {
		n = 1
	}
	workers := make([]*Worker, n)
	for i := range workers {
		w, err := factory(i)
		if err != nil {
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		workers[i] = w
	}

	results := make([]Result, n)
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		g.Go(func() error {
			res, err := w.Run(gctx)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}
