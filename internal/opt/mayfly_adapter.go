package opt

import (
	"log/slog"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MayflyAdapter wraps the external Mayfly library to conform to our Optimizer interface
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a new Mayfly optimizer adapter.
// popSize must be at least 20 for mayfly v0.1.0; smaller values are raised.
func NewMayfly(maxIters, popSize int, seed int64) Optimizer {
	if popSize < 20 {
		popSize = 20
	}
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Run executes the Mayfly optimization using the external library.
//
// The library takes scalar bounds, so the search runs in the unit cube and
// positions are mapped onto [lower[i], upper[i]] before eval sees them.
func (m *MayflyAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	scale := func(u []float64) []float64 {
		x := make([]float64, dim)
		for i := range x {
			v := u[i]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			x[i] = lower[i] + v*(upper[i]-lower[i])
		}
		return x
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 { return eval(scale(u)) }
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		slog.Debug("Mayfly optimization failed, using box center", "error", err)
		center := make([]float64, dim)
		for i := range center {
			center[i] = 0.5
		}
		x := scale(center)
		return x, eval(x)
	}

	best := scale(result.GlobalBest.Position)
	return best, result.GlobalBest.Cost
}
