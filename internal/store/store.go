package store

import (
	"context"
	"time"

	"github.com/cwbudde/pidtune/internal/space"
)

// Store is the shared state of all studies. Every worker process reading the
// same study name observes the same trials; all mutation goes through the
// atomic primitives below.
//
// Implementations must be safe for concurrent use. Within a study, trial ids
// are assigned in creation order starting at 0 and never reused.
//
// Error handling conventions:
//   - ErrNotFound if the study or trial does not exist
//   - ErrStorageUnavailable (wrapped in *UnavailableError) if the backend
//     cannot be reached
//   - descriptive wrapped errors for everything else
type Store interface {
	// CreateStudy inserts the study if absent. If a study with the same name
	// exists it is returned unchanged with created=false, unless its space
	// differs, in which case ErrSpaceMismatch is returned.
	CreateStudy(ctx context.Context, spec StudySpec) (info StudyInfo, created bool, err error)

	// GetStudy returns the metadata of an existing study.
	GetStudy(ctx context.Context, name string) (StudyInfo, error)

	// ListStudies returns all studies ordered by name.
	ListStudies(ctx context.Context) ([]StudyInfo, error)

	// DeleteStudy removes the study and all of its trials.
	DeleteStudy(ctx context.Context, name string) error

	// Enqueue inserts a PENDING trial.
	Enqueue(ctx context.Context, study string, params space.Vector) (Trial, error)

	// ClaimNext atomically moves the oldest PENDING trial to RUNNING.
	// Returns ErrNoPendingTrial if there is none.
	ClaimNext(ctx context.Context, study string, claim Claim) (Trial, error)

	// CreateClaimed inserts a new trial directly in RUNNING state, so the
	// fresh id is never visible as PENDING to another worker.
	CreateClaimed(ctx context.Context, study string, params space.Vector, claim Claim) (Trial, error)

	// Heartbeat extends the lease of a RUNNING trial. Returns ErrStaleClaim
	// if the trial is no longer RUNNING under token.
	Heartbeat(ctx context.Context, study string, id int64, token string, lease time.Duration) error

	// Commit resolves a trial exactly once. If the trial is already terminal
	// nothing changes and applied is false.
	Commit(ctx context.Context, study string, id int64, outcome Outcome) (trial Trial, applied bool, err error)

	// ReclaimExpired moves RUNNING trials whose lease expired before now back
	// to PENDING. Trials that were already claimed maxClaims times are failed
	// instead. Returns the number of trials touched.
	ReclaimExpired(ctx context.Context, study string, now time.Time, maxClaims int) (int, error)

	// ReadAll returns a consistent snapshot of the study's trials ordered by id.
	ReadAll(ctx context.Context, study string) ([]Trial, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// LostReason is the failure reason of a trial whose claims all expired.
const LostReason = "lost: lease expired"

// Reclaim applies the lease-expiry rule to one trial and reports whether it
// changed. Backends share it so they agree on the transition.
func Reclaim(t *Trial, now time.Time, maxClaims int) bool {
	if t.Status != StatusRunning || t.LeaseExpires == nil || !t.LeaseExpires.Before(now) {
		return false
	}
	if maxClaims > 0 && t.Claims >= maxClaims {
		Failed(LostReason).apply(t, now)
		return true
	}
	t.Status = StatusPending
	t.ClaimToken = ""
	t.LeaseExpires = nil
	return true
}

// Resolve applies outcome to t unless t is already terminal.
func Resolve(t *Trial, outcome Outcome, now time.Time) bool {
	if t.Status.Terminal() {
		return false
	}
	outcome.apply(t, now)
	return true
}

// Start moves t to RUNNING under claim with the given token.
func Start(t *Trial, claim Claim, token string, now time.Time) {
	claim.start(t, token, now)
}

// Extend renews the lease of t if token still owns it.
func Extend(t *Trial, token string, lease time.Duration, now time.Time) error {
	if t.Status != StatusRunning || t.ClaimToken != token {
		return &StaleClaimError{Study: t.Study, TrialID: t.ID, Worker: t.Worker}
	}
	exp := now.Add(lease)
	t.LeaseExpires = &exp
	return nil
}
