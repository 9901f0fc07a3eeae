package executor

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/pidtune/internal/oracle"
	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/study"
)

func fastOptions() Options {
	return Options{
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Lease:          time.Minute,
	}
}

func newExecutor(t *testing.T, o oracle.Oracle, opts Options) (*Executor, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	s, err := study.CreateOrResume(context.Background(), st, "tank1", store.Minimize, space.DefaultPI(), study.DefaultOptions())
	require.NoError(t, err)
	return New(s, o, opts), st
}

// counting wraps fn and counts simulation calls.
func counting(calls *int32, fn oracle.Func) oracle.Func {
	return func(ctx context.Context, v space.Vector) (*oracle.Response, error) {
		atomic.AddInt32(calls, 1)
		return fn(ctx, v)
	}
}

func perfect(ctx context.Context, v space.Vector) (*oracle.Response, error) {
	return &oracle.Response{
		Time:     []float64{0, 1, 2, 3},
		Setpoint: []float64{1, 1, 1, 1},
		Actual:   []float64{1, 1, 1, 1},
	}, nil
}

func TestRunOnce_PerfectTracking(t *testing.T) {
	opts := fastOptions()
	opts.ArtifactDir = t.TempDir()
	e, _ := newExecutor(t, oracle.Func(perfect), opts)

	res, err := e.RunOnce(context.Background(), "w1")
	tr := res.Trial
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, store.StatusComplete, tr.Status)
	require.NotNil(t, tr.Objective)
	assert.Equal(t, 0.0, *tr.Objective)
	assert.Equal(t, "w1", tr.Worker)

	require.NotEmpty(t, tr.ArtifactPath)
	assert.True(t, strings.HasSuffix(tr.ArtifactPath, "_trial-0.csv"), tr.ArtifactPath)
	_, err = os.Stat(tr.ArtifactPath)
	assert.NoError(t, err)
}

func TestRunOnce_Plant(t *testing.T) {
	e, _ := newExecutor(t, oracle.DefaultPlant(), fastOptions())

	res, err := e.RunOnce(context.Background(), "w1")
	tr := res.Trial
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, tr.Status)
	assert.Greater(t, tr.Value(), 0.0)
	assert.False(t, math.IsInf(tr.Value(), 0))
	assert.Empty(t, tr.ArtifactPath, "artifacts are off without a directory")
}

func TestRunOnce_AlwaysTimeout(t *testing.T) {
	var calls int32
	hang := counting(&calls, func(ctx context.Context, v space.Vector) (*oracle.Response, error) {
		time.Sleep(time.Second) // ignores ctx on purpose
		return nil, errors.New("too late")
	})
	opts := fastOptions()
	opts.Timeout = 20 * time.Millisecond
	e, st := newExecutor(t, hang, opts)

	res, err := e.RunOnce(context.Background(), "w1")
	tr := res.Trial
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransientEvaluation)
	var evalErr *EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, 3, evalErr.Attempts)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	assert.Equal(t, store.StatusFailed, tr.Status)
	assert.True(t, strings.HasPrefix(tr.FailReason, "transient:"), tr.FailReason)

	// The worker moves on to a fresh trial.
	nextRes, err := e.RunOnce(context.Background(), "w1")
	next := nextRes.Trial
	assert.ErrorIs(t, err, ErrTransientEvaluation)
	assert.Equal(t, tr.ID+1, next.ID)

	trials, err := st.ReadAll(context.Background(), "tank1")
	require.NoError(t, err)
	assert.Len(t, trials, 2)
}

func TestRunOnce_RetryThenSuccess(t *testing.T) {
	var calls int32
	flaky := counting(&calls, func(ctx context.Context, v space.Vector) (*oracle.Response, error) {
		if atomic.LoadInt32(&calls) == 1 {
			return nil, oracle.Transient(errors.New("engine unreachable"))
		}
		return perfect(ctx, v)
	})
	e, st := newExecutor(t, flaky, fastOptions())

	res, err := e.RunOnce(context.Background(), "w1")
	tr := res.Trial
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, tr.Status)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	trials, err := st.ReadAll(context.Background(), "tank1")
	require.NoError(t, err)
	assert.Len(t, trials, 1, "retries reuse the trial id")
}

func TestRunOnce_RejectedIsFatal(t *testing.T) {
	var calls int32
	reject := counting(&calls, func(ctx context.Context, v space.Vector) (*oracle.Response, error) {
		return nil, oracle.Rejected(errors.New("invalid configuration"))
	})
	e, _ := newExecutor(t, reject, fastOptions())

	res, err := e.RunOnce(context.Background(), "w1")
	tr := res.Trial
	assert.ErrorIs(t, err, ErrFatalEvaluation)
	assert.False(t, errors.Is(err, ErrTransientEvaluation))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "no retry after rejection")
	assert.Equal(t, store.StatusFailed, tr.Status)
	assert.True(t, strings.HasPrefix(tr.FailReason, "fatal:"), tr.FailReason)
}

func TestRunOnce_InvalidResponseIsFatal(t *testing.T) {
	nan := oracle.Func(func(ctx context.Context, v space.Vector) (*oracle.Response, error) {
		return &oracle.Response{Setpoint: []float64{1, 1}, Actual: []float64{1, math.NaN()}}, nil
	})
	e, _ := newExecutor(t, nan, fastOptions())

	res, err := e.RunOnce(context.Background(), "w1")
	tr := res.Trial
	assert.ErrorIs(t, err, ErrFatalEvaluation)
	assert.Equal(t, store.StatusFailed, tr.Status)
}

func TestRunOnce_GarbageCommandOutputIsFatal(t *testing.T) {
	dir := t.TempDir()
	runs := filepath.Join(dir, "runs")
	script := filepath.Join(dir, "sim.sh")
	body := "#!/bin/sh\necho x >> " + runs + "\necho 'Simulation finished without a table'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	e, _ := newExecutor(t, &oracle.Exec{Command: []string{script}}, fastOptions())

	res, err := e.RunOnce(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrFatalEvaluation)
	assert.Equal(t, store.StatusFailed, res.Trial.Status)

	data, err := os.ReadFile(runs)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "x"), "no retry after unparseable output")
}

func TestEvaluate_OutOfBoundsNeverCallsOracle(t *testing.T) {
	var calls int32
	e, _ := newExecutor(t, counting(&calls, perfect), fastOptions())

	_, _, err := e.Evaluate(context.Background(), store.Trial{ID: 9, Params: space.Vector{"KC": 3, "KI": 0.01}})
	assert.ErrorIs(t, err, ErrFatalEvaluation)
	assert.ErrorIs(t, err, space.ErrOutOfBounds)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestRunOnce_CancelLeavesTrialRunning(t *testing.T) {
	started := make(chan struct{})
	block := oracle.Func(func(ctx context.Context, v space.Vector) (*oracle.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, oracle.Transient(ctx.Err())
	})
	e, st := newExecutor(t, block, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := e.RunOnce(ctx, "w1")
	assert.ErrorIs(t, err, context.Canceled)

	trials, err := st.ReadAll(context.Background(), "tank1")
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, store.StatusRunning, trials[0].Status, "nothing is committed on shutdown")
}

func TestRunOnce_ResolvedByPeer(t *testing.T) {
	st := store.NewMemoryStore()
	s, err := study.CreateOrResume(context.Background(), st, "tank1", store.Minimize, space.DefaultPI(), study.DefaultOptions())
	require.NoError(t, err)

	// Another worker finishes the same trial while this one is still simulating.
	racing := oracle.Func(func(ctx context.Context, v space.Vector) (*oracle.Response, error) {
		peer := store.Complete(0.5, "")
		peer.Worker = "w2"
		_, applied, err := st.Commit(ctx, "tank1", 0, peer)
		require.NoError(t, err)
		require.True(t, applied)
		return perfect(ctx, v)
	})
	e := New(s, racing, fastOptions())

	res, err := e.RunOnce(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(0), res.Trial.ID)
	assert.Equal(t, "w2", res.Trial.Worker)
	require.NotNil(t, res.Trial.Objective)
	assert.Equal(t, 0.5, *res.Trial.Objective)
}

func TestRunOnce_HeartbeatKeepsLease(t *testing.T) {
	slow := oracle.Func(func(ctx context.Context, v space.Vector) (*oracle.Response, error) {
		time.Sleep(700 * time.Millisecond)
		return perfect(ctx, v)
	})
	opts := fastOptions()
	opts.Lease = 300 * time.Millisecond
	e, st := newExecutor(t, slow, opts)

	reclaimed := make(chan int, 1)
	go func() {
		time.Sleep(500 * time.Millisecond)
		n, _ := st.ReclaimExpired(context.Background(), "tank1", time.Now(), 3)
		reclaimed <- n
	}()

	res, err := e.RunOnce(context.Background(), "w1")
	tr := res.Trial
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, tr.Status)
	assert.Equal(t, 0, <-reclaimed, "renewed lease must not be reclaimed")
}

func TestEvaluationError(t *testing.T) {
	err := &EvaluationError{Kind: Transient, TrialID: 4, Attempts: 3, Err: errors.New("engine unreachable")}
	assert.Equal(t, "transient: engine unreachable", err.Reason())
	assert.ErrorIs(t, err, ErrEvaluation)
	assert.ErrorIs(t, err, ErrTransientEvaluation)
	assert.NotErrorIs(t, err, ErrFatalEvaluation)
	assert.Contains(t, err.Error(), "trial 4")
}
