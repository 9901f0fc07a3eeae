package space

import "fmt"

// ErrOutOfBounds matches any *OutOfBoundsError via errors.Is.
var ErrOutOfBounds = &OutOfBoundsError{}

// OutOfBoundsError reports a parameter vector that does not fit the space.
type OutOfBoundsError struct {
	Dim    string
	Value  float64
	Low    float64
	High   float64
	Reason string
}

func (e *OutOfBoundsError) Error() string {
	switch e.Reason {
	case "missing":
		return "parameter " + e.Dim + " is missing"
	case "undeclared":
		return "parameter " + e.Dim + " is not declared"
	case "":
		return "parameter out of bounds"
	}
	return fmt.Sprintf("parameter %s=%g %s [%g, %g]", e.Dim, e.Value, e.Reason, e.Low, e.High)
}

func (e *OutOfBoundsError) Is(target error) bool {
	_, ok := target.(*OutOfBoundsError)
	return ok
}

// DeclarationError reports an invalid space declaration.
type DeclarationError struct {
	Dim    string
	Reason string
}

func (e *DeclarationError) Error() string {
	if e.Dim != "" {
		return "invalid dimension " + e.Dim + ": " + e.Reason
	}
	return "invalid space: " + e.Reason
}
