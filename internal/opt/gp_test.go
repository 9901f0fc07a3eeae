package opt

import (
	"math"
	"testing"
)

func TestFitGPInterpolates(t *testing.T) {
	f := func(p []float64) float64 { return math.Sin(3*p[0]) + p[1]*p[1] }

	var x [][]float64
	var y []float64
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			p := []float64{float64(i) / 4, float64(j) / 4}
			x = append(x, p)
			y = append(y, f(p))
		}
	}

	gp, err := FitGP(x, y)
	if err != nil {
		t.Fatalf("FitGP: %v", err)
	}

	for i, p := range x {
		mean, std := gp.Predict(p)
		if math.Abs(mean-y[i]) > 0.05 {
			t.Errorf("mean at %v = %f, want %f", p, mean, y[i])
		}
		if std > 0.1 {
			t.Errorf("std at observed point %v = %f, want small", p, std)
		}
	}

	probe := []float64{0.375, 0.625}
	mean, _ := gp.Predict(probe)
	if math.Abs(mean-f(probe)) > 0.1 {
		t.Errorf("mean at %v = %f, want about %f", probe, mean, f(probe))
	}
}

func TestFitGPUncertaintyGrowsAwayFromData(t *testing.T) {
	x := [][]float64{{0.1, 0.1}, {0.15, 0.1}, {0.1, 0.15}}
	y := []float64{1, 2, 3}

	gp, err := FitGP(x, y)
	if err != nil {
		t.Fatalf("FitGP: %v", err)
	}
	_, near := gp.Predict([]float64{0.1, 0.1})
	_, far := gp.Predict([]float64{0.9, 0.9})
	if far <= near {
		t.Errorf("std far = %f, near = %f; want far > near", far, near)
	}
}

func TestFitGPErrors(t *testing.T) {
	tests := []struct {
		name string
		x    [][]float64
		y    []float64
	}{
		{"empty", nil, nil},
		{"length mismatch", [][]float64{{0, 0}}, []float64{1, 2}},
		{"nan target", [][]float64{{0, 0}}, []float64{math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FitGP(tt.x, tt.y); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFitGPConstantTargets(t *testing.T) {
	gp, err := FitGP([][]float64{{0.2, 0.2}, {0.8, 0.8}}, []float64{4, 4})
	if err != nil {
		t.Fatalf("FitGP: %v", err)
	}
	mean, _ := gp.Predict([]float64{0.5, 0.5})
	if math.Abs(mean-4) > 1e-6 {
		t.Errorf("mean = %f, want 4", mean)
	}
}

func TestCholeskyRejectsIndefinite(t *testing.T) {
	_, err := cholesky([][]float64{{1, 2}, {2, 1}})
	if err != ErrNotPositiveDefinite {
		t.Errorf("err = %v, want ErrNotPositiveDefinite", err)
	}
}

func TestExpectedImprovement(t *testing.T) {
	if ei := ExpectedImprovement(1, 0, 2, 0); ei != 1 {
		t.Errorf("deterministic improvement = %f, want 1", ei)
	}
	if ei := ExpectedImprovement(3, 0, 2, 0); ei != 0 {
		t.Errorf("deterministic worse point = %f, want 0", ei)
	}
	if ExpectedImprovement(2, 1, 2, 0) <= 0 {
		t.Error("uncertain point at the incumbent should have positive EI")
	}
	if ExpectedImprovement(1, 0.5, 2, 0) <= ExpectedImprovement(1.5, 0.5, 2, 0) {
		t.Error("EI must decrease with the predicted mean")
	}
}
