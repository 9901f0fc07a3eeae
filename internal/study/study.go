// Package study is the optimizer side of a tuning study: it turns the trials
// held by a shared store into the next parameter vector to evaluate and
// records results back.
//
// A Study keeps no state of its own besides its sampler. Every suggestion
// starts from a fresh store snapshot, so any number of workers on any number
// of machines can hold a Study for the same name.
package study

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/pidtune/internal/metrics"
	"github.com/cwbudde/pidtune/internal/opt"
	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
)

// Options configures a Study handle.
type Options struct {
	Sampler opt.SamplerConfig

	// MaxClaims is how often a trial may be claimed before an expired lease
	// fails it instead of queueing it again. Zero means unlimited.
	MaxClaims int
}

// DefaultOptions returns the settings used by the CLI.
func DefaultOptions() Options {
	return Options{
		Sampler:   opt.DefaultSamplerConfig(),
		MaxClaims: 3,
	}
}

// Study is a handle on one named study in a store.
type Study struct {
	store   store.Store
	info    store.StudyInfo
	sampler *opt.Sampler
	opts    Options
}

// TellResult reports what Tell did.
type TellResult struct {
	// Trial is the stored trial after the call.
	Trial store.Trial
	// Applied is false when the trial was already resolved and nothing changed.
	Applied bool
}

// CreateOrResume attaches to the study called name, creating it if absent.
// It is safe to call concurrently from several workers: exactly one of them
// creates the study.
func CreateOrResume(ctx context.Context, st store.Store, name string, direction store.Direction, sp space.Space, opts Options) (*Study, error) {
	if err := st.Ping(ctx); err != nil {
		return nil, asUnavailable(err)
	}
	info, created, err := st.CreateStudy(ctx, store.StudySpec{Name: name, Direction: direction, Space: sp})
	if err != nil {
		return nil, fmt.Errorf("create or resume study %s: %w", name, err)
	}
	if created {
		slog.Info("Created study", "study", name, "space", info.Space.Names())
	} else {
		slog.Info("Resumed study", "study", name)
	}
	return newStudy(st, info, opts), nil
}

// Resume attaches to an existing study. It returns store.ErrNotFound if the
// study does not exist.
func Resume(ctx context.Context, st store.Store, name string, opts Options) (*Study, error) {
	info, err := st.GetStudy(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resume study %s: %w", name, err)
	}
	return newStudy(st, info, opts), nil
}

func newStudy(st store.Store, info store.StudyInfo, opts Options) *Study {
	return &Study{
		store:   st,
		info:    info,
		sampler: opt.NewSampler(opts.Sampler),
		opts:    opts,
	}
}

func asUnavailable(err error) error {
	if errors.Is(err, store.ErrStorageUnavailable) {
		return err
	}
	return store.Unavailable("", err)
}

// Name returns the study name.
func (s *Study) Name() string { return s.info.Name }

// Space returns the declared parameter space.
func (s *Study) Space() space.Space { return s.info.Space }

// Info returns the study metadata.
func (s *Study) Info() store.StudyInfo { return s.info }

// Store returns the backing store.
func (s *Study) Store() store.Store { return s.store }

// Reclaim returns expired leases to the queue. Suggest and Acquire call it;
// it is exported for the server and status commands.
func (s *Study) Reclaim(ctx context.Context) (int, error) {
	n, err := s.store.ReclaimExpired(ctx, s.info.Name, time.Now().UTC(), s.opts.MaxClaims)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.LeasesReclaimed.WithLabelValues(s.info.Name).Add(float64(n))
		slog.Warn("Reclaimed expired leases", "study", s.info.Name, "count", n)
	}
	return n, nil
}

// Suggest proposes the next parameter vector from a fresh snapshot of the
// study. The result always lies within the declared bounds.
//
// Store failures are returned as errors; Suggest never falls back to a guess
// made without the shared history.
func (s *Study) Suggest(ctx context.Context) (space.Vector, error) {
	start := time.Now()
	defer func() { metrics.SuggestDuration.Observe(time.Since(start).Seconds()) }()

	if _, err := s.Reclaim(ctx); err != nil {
		return nil, fmt.Errorf("suggest: %w", err)
	}
	trials, err := s.store.ReadAll(ctx, s.info.Name)
	if err != nil {
		return nil, fmt.Errorf("suggest: %w", err)
	}
	return s.suggestFrom(trials)
}

func (s *Study) suggestFrom(trials []store.Trial) (space.Vector, error) {
	sp := s.info.Space
	var (
		observed []opt.Observation
		pending  [][]float64
	)
	for _, t := range trials {
		switch t.Status {
		case store.StatusComplete:
			observed = append(observed, opt.Observation{X: sp.Normalize(t.Params), Y: t.Value()})
		case store.StatusRunning, store.StatusPending:
			pending = append(pending, sp.Normalize(t.Params))
		}
	}

	u, source, err := s.sampler.Next(len(sp.Dims), observed, pending)
	if err != nil {
		slog.Warn("Surrogate fit failed, sampling at random", "study", s.info.Name, "error", err)
	}
	metrics.Suggestions.WithLabelValues(string(source)).Inc()

	v := sp.Denormalize(u)
	if err := sp.Validate(v); err != nil {
		return nil, fmt.Errorf("suggest: internal error: %w", err)
	}
	slog.Debug("Suggested parameters", "study", s.info.Name, "params", v.Format(),
		"source", source, "observed", len(observed), "pending", len(pending))
	return v, nil
}

// Tell records the outcome of a trial. Telling a trial that is already
// resolved changes nothing and returns Applied=false.
func (s *Study) Tell(ctx context.Context, trialID int64, outcome store.Outcome) (TellResult, error) {
	t, applied, err := s.store.Commit(ctx, s.info.Name, trialID, outcome)
	if err != nil {
		return TellResult{}, fmt.Errorf("tell trial %d: %w", trialID, err)
	}
	if applied {
		metrics.TrialsResolved.WithLabelValues(s.info.Name, string(t.Status)).Inc()
	} else {
		slog.Info("Trial already resolved, outcome ignored",
			"study", s.info.Name, "trial", trialID, "status", t.Status)
	}
	return TellResult{Trial: t, Applied: applied}, nil
}

// Best returns the COMPLETE trial with the lowest objective, or nil if no
// trial has completed yet.
func (s *Study) Best(ctx context.Context) (*store.Trial, error) {
	trials, err := s.store.ReadAll(ctx, s.info.Name)
	if err != nil {
		return nil, fmt.Errorf("best: %w", err)
	}
	best := store.Best(trials)
	if best != nil {
		metrics.BestObjective.WithLabelValues(s.info.Name).Set(best.Value())
	}
	return best, nil
}

// Acquire hands worker a RUNNING trial: the oldest queued trial if there is
// one, otherwise a freshly suggested trial that is inserted already claimed.
func (s *Study) Acquire(ctx context.Context, worker string, lease time.Duration) (store.Trial, error) {
	claim := store.Claim{Worker: worker, Lease: lease}

	if _, err := s.Reclaim(ctx); err != nil {
		return store.Trial{}, fmt.Errorf("acquire: %w", err)
	}
	t, err := s.store.ClaimNext(ctx, s.info.Name, claim)
	if err == nil {
		slog.Debug("Claimed queued trial", "study", s.info.Name, "trial", t.ID, "worker", worker)
		return t, nil
	}
	if !errors.Is(err, store.ErrNoPendingTrial) {
		return store.Trial{}, fmt.Errorf("acquire: %w", err)
	}

	v, err := s.Suggest(ctx)
	if err != nil {
		return store.Trial{}, err
	}
	t, err = s.store.CreateClaimed(ctx, s.info.Name, v, claim)
	if err != nil {
		return store.Trial{}, fmt.Errorf("acquire: %w", err)
	}
	return t, nil
}

// Enqueue adds a PENDING trial with fixed parameters, for example the gains
// of the controller currently in service.
func (s *Study) Enqueue(ctx context.Context, v space.Vector) (store.Trial, error) {
	if err := s.info.Space.Validate(v); err != nil {
		return store.Trial{}, err
	}
	t, err := s.store.Enqueue(ctx, s.info.Name, v)
	if err != nil {
		return store.Trial{}, fmt.Errorf("enqueue: %w", err)
	}
	slog.Info("Enqueued trial", "study", s.info.Name, "trial", t.ID, "params", v.Format())
	return t, nil
}

// Heartbeat renews the lease of a trial claimed by this process.
func (s *Study) Heartbeat(ctx context.Context, t store.Trial, lease time.Duration) error {
	return s.store.Heartbeat(ctx, s.info.Name, t.ID, t.ClaimToken, lease)
}

// Trials returns a snapshot of all trials ordered by id.
func (s *Study) Trials(ctx context.Context) ([]store.Trial, error) {
	return s.store.ReadAll(ctx, s.info.Name)
}

// Summary counts trials per status and picks the best.
func (s *Study) Summary(ctx context.Context) (store.Summary, error) {
	trials, err := s.store.ReadAll(ctx, s.info.Name)
	if err != nil {
		return store.Summary{}, err
	}
	return store.Summarize(trials), nil
}
