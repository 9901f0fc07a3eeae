// Package oracle connects the tuner to the closed-loop simulation it
// optimizes. An Oracle opens sessions; a Session runs one simulation per
// parameter vector and returns the recorded setpoint and process value.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/cwbudde/pidtune/internal/space"
)

// Response is the time series produced by one simulation.
type Response struct {
	Time     []float64 `json:"time,omitempty"`
	Setpoint []float64 `json:"setpoint"`
	Actual   []float64 `json:"actual"`
}

// Len returns the number of samples.
func (r *Response) Len() int { return len(r.Setpoint) }

// Oracle starts simulation sessions.
type Oracle interface {
	Open(ctx context.Context) (Session, error)
}

// Session runs simulations. Sessions are used by one goroutine at a time and
// must be closed after use, also after a failed call.
type Session interface {
	Simulate(ctx context.Context, params space.Vector) (*Response, error)
	Close() error
}

// Pinger is implemented by oracles that can check their engine cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrTransient marks failures worth retrying: the engine is unreachable,
// busy, or the call timed out.
var ErrTransient = errors.New("transient simulation failure")

// ErrRejected marks a configuration the engine refuses to run. Retrying the
// same parameters cannot succeed.
var ErrRejected = errors.New("simulation rejected")

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Rejected wraps err as a permanent failure.
func Rejected(err error) error {
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// Class is the retry class of an oracle error.
type Class int

const (
	ClassTransient Class = iota
	ClassRejected
)

func (c Class) String() string {
	if c == ClassRejected {
		return "rejected"
	}
	return "transient"
}

// Classify returns the retry class of err. Deadline overruns and errors of
// unknown origin are transient.
func Classify(err error) Class {
	if errors.Is(err, ErrRejected) {
		return ClassRejected
	}
	return ClassTransient
}

// Func adapts a function to an Oracle whose sessions need no setup.
type Func func(ctx context.Context, params space.Vector) (*Response, error)

func (f Func) Open(ctx context.Context) (Session, error) {
	return funcSession(f), nil
}

type funcSession Func

func (s funcSession) Simulate(ctx context.Context, params space.Vector) (*Response, error) {
	return s(ctx, params)
}

func (s funcSession) Close() error { return nil }
