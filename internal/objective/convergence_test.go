package objective

import (
	"math"
	"testing"
)

func TestConvergenceTracker_Stalls(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{
		Enabled:   true,
		Patience:  3,
		Threshold: 0.01, // 1% improvement required
	})

	if tracker.Best() != math.Inf(1) {
		t.Errorf("Expected initial best to be Inf, got %v", tracker.Best())
	}
	if tracker.Update(100) {
		t.Error("Should not converge on first update")
	}

	// Significant improvement resets the stale counter
	if tracker.Update(80) {
		t.Error("Should not converge after improvement")
	}
	if tracker.StaleCount() != 0 {
		t.Errorf("Expected stale count 0 after improvement, got %v", tracker.StaleCount())
	}

	// The study best only moves by less than 1% of 80
	steps := []float64{79.5, 79.5, 79.4}
	for i, best := range steps {
		converged := tracker.Update(best)
		if want := i == len(steps)-1; converged != want {
			t.Errorf("Update(%v) = %v, want %v", best, converged, want)
		}
		if tracker.StaleCount() != i+1 {
			t.Errorf("Expected stale count %d, got %d", i+1, tracker.StaleCount())
		}
	}
	if tracker.Best() != 79.4 {
		t.Errorf("Best = %v, want 79.4", tracker.Best())
	}
	if got := len(tracker.History()); got != 5 {
		t.Errorf("History has %d entries, want 5", got)
	}
}

func TestConvergenceTracker_ZeroBest(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: true, Patience: 2})
	tracker.Update(0)
	if tracker.Update(0) {
		t.Error("Should not converge after one stale update")
	}
	if !tracker.Update(0) {
		t.Error("A perfect score that cannot improve should converge after patience")
	}
}

func TestConvergenceTracker_Disabled(t *testing.T) {
	tracker := NewConvergenceTracker(DisabledConvergenceConfig())
	for i := 0; i < 100; i++ {
		if tracker.Update(1) {
			t.Fatal("Disabled tracker must never converge")
		}
	}
}

func TestConvergenceTracker_Reset(t *testing.T) {
	tracker := NewConvergenceTracker(DefaultConvergenceConfig())
	tracker.Update(5)
	tracker.Update(5)
	tracker.Reset()
	if tracker.StaleCount() != 0 || tracker.Best() != math.Inf(1) || len(tracker.History()) != 0 {
		t.Error("Reset did not clear state")
	}
}
