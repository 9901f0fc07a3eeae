package executor

import "fmt"

// Kind separates failures worth re-suggesting from failures of the
// parameters themselves.
type Kind string

const (
	// Transient failures exhausted their retries on infrastructure errors or
	// timeouts. The same point may succeed later.
	Transient Kind = "transient"
	// Fatal failures come from the parameters: the engine rejected them or
	// produced an unusable response.
	Fatal Kind = "fatal"
)

// ErrEvaluation matches any *EvaluationError via errors.Is.
var ErrEvaluation = &EvaluationError{}

// EvaluationError reports a trial that could not be scored.
type EvaluationError struct {
	Kind     Kind
	TrialID  int64
	Attempts int
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Err == nil {
		return "evaluation failed"
	}
	return fmt.Sprintf("trial %d: %s after %d attempt(s): %v", e.TrialID, e.Kind, e.Attempts, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Is matches any *EvaluationError, or only those of the same kind when the
// target sets one.
func (e *EvaluationError) Is(target error) bool {
	t, ok := target.(*EvaluationError)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// Reason is the failure reason stored on the trial.
func (e *EvaluationError) Reason() string {
	if e.Err == nil {
		return string(e.Kind) + ": unknown error"
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

// ErrTransientEvaluation and ErrFatalEvaluation match evaluation errors of
// one kind.
var (
	ErrTransientEvaluation = &EvaluationError{Kind: Transient}
	ErrFatalEvaluation     = &EvaluationError{Kind: Fatal}
)
