package opt

import (
	"math"
	"testing"
)

// shiftedSphere has its minimum at (0.2, 0.01), the shape of a PI gain box.
func shiftedSphere(x []float64) float64 {
	a := (x[0] - 0.2) / 0.45
	b := (x[1] - 0.01) / 0.047
	return a*a + b*b
}

func TestMayflyAdapterPerDimensionBounds(t *testing.T) {
	optimizer := NewMayfly(100, 20, 42) // maxIters, popSize, seed

	lower := []float64{0.05, 0.003}
	upper := []float64{0.5, 0.05}

	best, cost := optimizer.Run(shiftedSphere, lower, upper, 2)

	if len(best) != 2 {
		t.Fatalf("Expected 2 parameters, got %d", len(best))
	}
	for i := range best {
		if best[i] < lower[i] || best[i] > upper[i] {
			t.Errorf("Parameter %d = %f outside [%f, %f]", i, best[i], lower[i], upper[i])
		}
	}
	if cost > 1e-3 {
		t.Errorf("Expected cost near 0, got %g", cost)
	}
	if math.Abs(best[0]-0.2) > 0.02 || math.Abs(best[1]-0.01) > 0.003 {
		t.Errorf("Best = %v, expected near (0.2, 0.01)", best)
	}
}

func TestMayflyAdapterDeterministic(t *testing.T) {
	lower := []float64{0, 0}
	upper := []float64{1, 1}

	optimizer1 := NewMayfly(50, 20, 123)
	_, cost1 := optimizer1.Run(shiftedSphere, lower, upper, 2)

	optimizer2 := NewMayfly(50, 20, 123)
	_, cost2 := optimizer2.Run(shiftedSphere, lower, upper, 2)

	if cost1 != cost2 {
		t.Errorf("Non-deterministic: cost1=%f, cost2=%f", cost1, cost2)
	}
}

func TestMayflyAdapterRaisesSmallPopulation(t *testing.T) {
	m := NewMayfly(10, 5, 1).(*MayflyAdapter)
	if m.popSize != 20 {
		t.Errorf("popSize = %d, want 20", m.popSize)
	}
}
