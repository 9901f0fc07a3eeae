package objective

import (
	"log/slog"
	"math"
)

// ConvergenceConfig defines when a worker stops early because the study best
// has stopped improving
type ConvergenceConfig struct {
	// Enabled controls whether convergence detection is active
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Patience is the number of completed trials with no significant
	// improvement of the study best before stopping
	Patience int `yaml:"patience" json:"patience" validate:"gte=0"`

	// Threshold is the minimum relative improvement required to count as progress
	// Example: 0.01 = 1% improvement required
	// Relative improvement = (lastSignificant - best) / lastSignificant
	Threshold float64 `yaml:"threshold" json:"threshold" validate:"gte=0"`
}

// DefaultConvergenceConfig returns the settings used when early stopping is
// switched on
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		Enabled:   true,
		Patience:  15,
		Threshold: 0.01,
	}
}

// DisabledConvergenceConfig returns a config with convergence detection disabled
func DisabledConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		Enabled: false,
	}
}

// ConvergenceTracker follows the study best objective after each completed
// trial and detects when it has stalled
type ConvergenceTracker struct {
	config          ConvergenceConfig
	history         []float64
	best            float64 // Best objective ever seen
	lastSignificant float64 // Last best that was a significant improvement
	staleCount      int     // Trials without significant improvement
}

// NewConvergenceTracker creates a new convergence tracker with the given config
func NewConvergenceTracker(config ConvergenceConfig) *ConvergenceTracker {
	return &ConvergenceTracker{
		config:          config,
		best:            math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records the current study best and returns true if convergence is detected
func (c *ConvergenceTracker) Update(best float64) bool {
	if !c.config.Enabled || math.IsNaN(best) || math.IsInf(best, 0) {
		return false
	}

	c.history = append(c.history, best)
	if best < c.best {
		c.best = best
	}

	if len(c.history) == 1 {
		c.lastSignificant = best
		return false
	}

	improvement := c.lastSignificant - best
	relative := 0.0
	if c.lastSignificant != 0 {
		relative = improvement / math.Abs(c.lastSignificant)
	}

	if improvement > 0 && relative >= c.config.Threshold {
		c.lastSignificant = best
		c.staleCount = 0
		slog.Debug("Study best improved",
			"best", best,
			"relative_improvement", relative,
		)
		return false
	}

	c.staleCount++
	slog.Debug("No significant improvement",
		"best", best,
		"last_significant", c.lastSignificant,
		"stale_count", c.staleCount,
		"patience", c.config.Patience,
	)
	if c.staleCount >= c.config.Patience {
		slog.Info("Convergence detected - stopping early",
			"stale_count", c.staleCount,
			"patience", c.config.Patience,
			"best", c.best,
		)
		return true
	}
	return false
}

// Best returns the best objective seen so far
func (c *ConvergenceTracker) Best() float64 {
	return c.best
}

// History returns the recorded study best after every update
func (c *ConvergenceTracker) History() []float64 {
	return append([]float64{}, c.history...)
}

// StaleCount returns the current number of trials without improvement
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}

// Reset clears the tracker's state
func (c *ConvergenceTracker) Reset() {
	c.history = nil
	c.best = math.Inf(1)
	c.lastSignificant = math.Inf(1)
	c.staleCount = 0
}
