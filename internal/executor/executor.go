// Package executor runs single trials: it claims a trial, drives the oracle
// under a timeout with retries, scores the response and commits the result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cwbudde/pidtune/internal/metrics"
	"github.com/cwbudde/pidtune/internal/objective"
	"github.com/cwbudde/pidtune/internal/oracle"
	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/study"
)

// Options configures an Executor.
type Options struct {
	// Timeout bounds a single simulation call.
	Timeout time.Duration

	// MaxAttempts is the number of simulation calls per trial before a
	// transient failure is final.
	MaxAttempts int

	// InitialBackoff and MaxBackoff shape the exponential wait between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Lease is how long a claim stays valid without a heartbeat. Heartbeats
	// are sent every Lease/3.
	Lease time.Duration

	// ArtifactDir receives one CSV per trial under <ArtifactDir>/<study>.
	// Empty disables artifacts.
	ArtifactDir string
}

// DefaultOptions returns the CLI defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:        2 * time.Minute,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Lease:          5 * time.Minute,
	}
}

// Executor evaluates trials of one study against one oracle.
type Executor struct {
	study  *study.Study
	oracle oracle.Oracle
	opts   Options
}

// New creates an Executor.
func New(st *study.Study, o oracle.Oracle, opts Options) *Executor {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultOptions().Lease
	}
	return &Executor{study: st, oracle: o, opts: opts}
}

// Study returns the study the executor works on.
func (e *Executor) Study() *study.Study { return e.study }

// Result is the outcome of one RunOnce call.
type Result struct {
	// Trial is the trial as stored after the commit.
	Trial store.Trial
	// Applied is false when another worker resolved the trial first and this
	// worker's outcome was discarded.
	Applied bool
}

// RunOnce claims a trial for worker, evaluates it and commits the outcome.
//
// A trial that could not be scored is committed as FAILED and the
// *EvaluationError is returned along with the result. Store errors are
// returned as is. If ctx is cancelled during the evaluation nothing is
// committed; the trial stays RUNNING until its lease expires and another
// worker picks it up.
func (e *Executor) RunOnce(ctx context.Context, worker string) (Result, error) {
	t, err := e.study.Acquire(ctx, worker, e.opts.Lease)
	if err != nil {
		return Result{}, err
	}
	log := slog.With("study", e.study.Name(), "trial", t.ID, "worker", worker)
	log.Info("Evaluating trial", "params", t.Params.Format(), "claims", t.Claims)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.heartbeat(hbCtx, t)
	}()

	start := time.Now()
	value, artifact, evalErr := e.Evaluate(ctx, t)
	stopHeartbeat()
	<-done

	if ctx.Err() != nil {
		log.Warn("Evaluation interrupted, leaving trial to lease expiry", "error", ctx.Err())
		return Result{Trial: t}, ctx.Err()
	}

	outcome := store.Complete(value, artifact)
	var failure *EvaluationError
	if errors.As(evalErr, &failure) {
		outcome = store.Failed(failure.Reason())
	}
	outcome.Worker = worker

	res, err := e.study.Tell(ctx, t.ID, outcome)
	if err != nil {
		return Result{Trial: t}, err
	}
	out := Result{Trial: res.Trial, Applied: res.Applied}
	if !res.Applied {
		log.Warn("Trial was resolved by another worker, outcome discarded",
			"status", res.Trial.Status, "resolved_by", res.Trial.Worker)
	}
	if failure != nil {
		log.Warn("Trial failed", "kind", failure.Kind, "attempts", failure.Attempts,
			"error", failure.Err, "elapsed", time.Since(start))
		return out, failure
	}
	log.Info("Trial complete", "objective", value, "artifact", artifact, "elapsed", time.Since(start))
	return out, nil
}

// heartbeat renews the lease of t until ctx is done.
func (e *Executor) heartbeat(ctx context.Context, t store.Trial) {
	interval := e.opts.Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.study.Heartbeat(ctx, t, e.opts.Lease)
			switch {
			case err == nil:
				slog.Debug("Lease renewed", "study", e.study.Name(), "trial", t.ID)
			case errors.Is(err, store.ErrStaleClaim):
				slog.Warn("Lost claim on trial, stopping heartbeat", "study", e.study.Name(), "trial", t.ID)
				return
			case ctx.Err() != nil:
				return
			default:
				slog.Error("Failed to renew lease", "study", e.study.Name(), "trial", t.ID, "error", err)
			}
		}
	}
}

// Evaluate runs the simulation for t and scores it. It returns the
// objective, the artifact path ("" when none was written) or an
// *EvaluationError.
func (e *Executor) Evaluate(ctx context.Context, t store.Trial) (float64, string, error) {
	fail := func(kind Kind, attempts int, err error) (float64, string, error) {
		return 0, "", &EvaluationError{Kind: kind, TrialID: t.ID, Attempts: attempts, Err: err}
	}

	if err := e.study.Space().Validate(t.Params); err != nil {
		return fail(Fatal, 0, err)
	}

	attempts := 0
	op := func() (*oracle.Response, error) {
		attempts++
		resp, err := e.attempt(ctx, t.Params)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if oracle.Classify(err) == oracle.ClassRejected {
			return nil, backoff.Permanent(err)
		}
		if attempts < e.opts.MaxAttempts {
			metrics.OracleRetries.Inc()
			slog.Warn("Simulation attempt failed, retrying",
				"study", e.study.Name(), "trial", t.ID, "attempt", attempts, "error", err)
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	b.MaxInterval = e.opts.MaxBackoff

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		if ctx.Err() != nil {
			return fail(Transient, attempts, ctx.Err())
		}
		if oracle.Classify(err) == oracle.ClassRejected {
			return fail(Fatal, attempts, err)
		}
		return fail(Transient, attempts, err)
	}

	value, err := objective.IAE(resp)
	if err != nil {
		return fail(Fatal, attempts, err)
	}

	var path string
	if e.opts.ArtifactDir != "" {
		dir := filepath.Join(e.opts.ArtifactDir, e.study.Name())
		path, err = objective.WriteArtifact(dir, t.ID, t.Params, resp)
		if err != nil {
			slog.Warn("Failed to write artifact", "study", e.study.Name(), "trial", t.ID, "error", err)
			path = ""
		}
	}
	return value, path, nil
}

type result struct {
	resp *oracle.Response
	err  error
}

// attempt opens a session, runs one simulation under the timeout and closes
// the session. The timeout holds even if the oracle ignores its context.
func (e *Executor) attempt(ctx context.Context, params space.Vector) (*oracle.Response, error) {
	callCtx := ctx
	cancel := func() {}
	if e.opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
	}
	defer cancel()

	start := time.Now()
	sess, err := e.oracle.Open(callCtx)
	if err != nil {
		metrics.ObserveOracle("open_error", time.Since(start))
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	ch := make(chan result, 1)
	go func() {
		resp, err := sess.Simulate(callCtx, params.Clone())
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		switch {
		case r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			metrics.ObserveOracle("timeout", time.Since(start))
			return nil, oracle.Transient(fmt.Errorf("simulation timed out after %s", e.opts.Timeout))
		case r.err != nil:
			metrics.ObserveOracle(oracle.Classify(r.err).String(), time.Since(start))
			return nil, r.err
		case r.resp == nil:
			metrics.ObserveOracle("transient", time.Since(start))
			return nil, oracle.Transient(errors.New("simulation returned no response"))
		}
		metrics.ObserveOracle("ok", time.Since(start))
		return r.resp, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.ObserveOracle("timeout", time.Since(start))
		return nil, oracle.Transient(fmt.Errorf("simulation timed out after %s", e.opts.Timeout))
	}
}
