// Package objective scores simulated responses and keeps them as per-trial
// artifacts.
package objective

import (
	"fmt"
	"math"

	"github.com/cwbudde/pidtune/internal/oracle"
)

// ErrInvalidResponse matches any *InvalidResponseError.
var ErrInvalidResponse = &InvalidResponseError{}

// InvalidResponseError reports a response that cannot be scored.
type InvalidResponseError struct {
	Reason string
}

func (e *InvalidResponseError) Error() string {
	if e.Reason == "" {
		return "invalid response"
	}
	return "invalid response: " + e.Reason
}

func (e *InvalidResponseError) Is(target error) bool {
	_, ok := target.(*InvalidResponseError)
	return ok
}

func invalid(format string, args ...any) error {
	return &InvalidResponseError{Reason: fmt.Sprintf(format, args...)}
}

// IAE returns the integral of the absolute tracking error |setpoint - actual|
// over the response.
//
// With a time axis the integral uses the trapezoidal rule. Without one every
// sample counts for one unit of time and the result is the plain sum of the
// absolute errors. The result depends only on the series, so re-scoring a
// stored artifact reproduces it exactly.
func IAE(resp *oracle.Response) (float64, error) {
	if resp == nil {
		return 0, invalid("no response")
	}
	n := len(resp.Setpoint)
	if len(resp.Actual) != n {
		return 0, invalid("setpoint has %d samples, actual %d", n, len(resp.Actual))
	}
	if n < 2 {
		return 0, invalid("need at least 2 samples, got %d", n)
	}
	hasTime := len(resp.Time) > 0
	if hasTime && len(resp.Time) != n {
		return 0, invalid("time has %d samples, setpoint %d", len(resp.Time), n)
	}

	errAbs := make([]float64, n)
	for i := 0; i < n; i++ {
		e := math.Abs(resp.Setpoint[i] - resp.Actual[i])
		if math.IsNaN(e) || math.IsInf(e, 0) {
			return 0, invalid("sample %d is not finite", i)
		}
		errAbs[i] = e
	}

	total := 0.0
	if !hasTime {
		for _, e := range errAbs {
			total += e
		}
	}
	for i := 1; hasTime && i < n; i++ {
		dt := resp.Time[i] - resp.Time[i-1]
		if !(dt > 0) {
			return 0, invalid("time is not increasing at sample %d", i)
		}
		total += 0.5 * (errAbs[i] + errAbs[i-1]) * dt
	}
	if math.IsInf(total, 0) {
		return 0, invalid("integral overflows")
	}
	return total, nil
}
