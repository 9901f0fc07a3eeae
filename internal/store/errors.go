package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a study or trial does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing study or trial.
type NotFoundError struct {
	Study   string
	TrialID int64
	Trial   bool
}

func (e *NotFoundError) Error() string {
	switch {
	case e.Trial:
		return fmt.Sprintf("trial %d not found in study %s", e.TrialID, e.Study)
	case e.Study != "":
		return "study not found: " + e.Study
	}
	return "not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ErrStorageUnavailable matches any *UnavailableError.
var ErrStorageUnavailable = &UnavailableError{}

// UnavailableError reports that the shared store cannot be reached.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return "storage unavailable"
	}
	if e.Backend != "" {
		return "storage unavailable (" + e.Backend + "): " + e.Err.Error()
	}
	return "storage unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool {
	_, ok := target.(*UnavailableError)
	return ok
}

// Unavailable wraps err as a storage availability failure.
func Unavailable(backend string, err error) error {
	return &UnavailableError{Backend: backend, Err: err}
}

// ErrStaleClaim matches any *StaleClaimError.
var ErrStaleClaim = &StaleClaimError{}

// StaleClaimError reports a heartbeat for a claim that no longer owns its trial.
type StaleClaimError struct {
	Study   string
	TrialID int64
	Worker  string
}

func (e *StaleClaimError) Error() string {
	if e.Study == "" {
		return "stale claim"
	}
	return fmt.Sprintf("stale claim on trial %d of study %s", e.TrialID, e.Study)
}

func (e *StaleClaimError) Is(target error) bool {
	_, ok := target.(*StaleClaimError)
	return ok
}

// ErrNoPendingTrial is returned by ClaimNext when nothing is queued.
var ErrNoPendingTrial = errors.New("no pending trial")

// ErrSpaceMismatch is returned when a study is resumed with different bounds.
var ErrSpaceMismatch = errors.New("parameter space differs from the existing study")

var errClosed = errors.New("store closed")

// ValidationError represents an invalid argument to a store primitive.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
