package remote

import (
	"errors"
	"net/http"
	"time"

	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
)

// Request and response bodies of the store API served by `pidtune serve`.

type CreateStudyResponse struct {
	Study   store.StudyInfo `json:"study"`
	Created bool            `json:"created"`
}

type EnqueueRequest struct {
	Params space.Vector `json:"params"`
}

type CreateClaimedRequest struct {
	Params space.Vector `json:"params"`
	Claim  store.Claim  `json:"claim"`
}

type HeartbeatRequest struct {
	Token string        `json:"token"`
	Lease time.Duration `json:"lease"`
}

type CommitResponse struct {
	Trial   store.Trial `json:"trial"`
	Applied bool        `json:"applied"`
}

type ReclaimRequest struct {
	Now       time.Time `json:"now"`
	MaxClaims int       `json:"maxClaims"`
}

type ReclaimResponse struct {
	Reclaimed int `json:"reclaimed"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound      = "not_found"
	CodeNoPending     = "no_pending_trial"
	CodeStaleClaim    = "stale_claim"
	CodeSpaceMismatch = "space_mismatch"
	CodeOutOfBounds   = "out_of_bounds"
	CodeInvalid       = "invalid"
	CodeUnavailable   = "unavailable"
	CodeInternal      = "internal"
)

// Classify maps a store error to its HTTP status and wire code.
func Classify(err error) (int, string) {
	var verr *store.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, store.ErrNoPendingTrial):
		return http.StatusNotFound, CodeNoPending
	case errors.Is(err, store.ErrStaleClaim):
		return http.StatusConflict, CodeStaleClaim
	case errors.Is(err, store.ErrSpaceMismatch):
		return http.StatusConflict, CodeSpaceMismatch
	case errors.Is(err, space.ErrOutOfBounds):
		return http.StatusUnprocessableEntity, CodeOutOfBounds
	case errors.As(err, &verr):
		return http.StatusBadRequest, CodeInvalid
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}

// Error is a store error decoded from an ErrorResponse. It matches the
// sentinel of its code with errors.Is, so callers handle remote and local
// failures alike.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	s := sentinel(e.Code)
	return s != nil && errors.Is(s, target)
}

func sentinel(code string) error {
	switch code {
	case CodeNotFound:
		return store.ErrNotFound
	case CodeNoPending:
		return store.ErrNoPendingTrial
	case CodeStaleClaim:
		return store.ErrStaleClaim
	case CodeSpaceMismatch:
		return store.ErrSpaceMismatch
	case CodeOutOfBounds:
		return space.ErrOutOfBounds
	case CodeUnavailable:
		return store.ErrStorageUnavailable
	}
	return nil
}
