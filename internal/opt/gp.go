package opt

import (
	"errors"
	"fmt"
	"math"
)

// ErrNotPositiveDefinite is returned when the kernel matrix cannot be factored.
var ErrNotPositiveDefinite = errors.New("kernel matrix is not positive definite")

// Hyperparameter grids searched by FitGP. Inputs live in the unit cube and
// targets are standardized, so fixed grids cover the useful range.
var (
	lengthScales = []float64{0.05, 0.1, 0.2, 0.35, 0.5, 0.8, 1.2}
	noiseLevels  = []float64{1e-6, 1e-4, 1e-2, 1e-1}
)

// GP is a Gaussian-process regression model with a Matern 5/2 kernel.
type GP struct {
	x           [][]float64
	chol        [][]float64
	alpha       []float64
	lengthScale float64
	noise       float64
	yMean       float64
	yStd        float64
	logML       float64
}

// FitGP fits a GP to the observations x (points in the unit cube) and y,
// choosing length scale and noise by maximum marginal likelihood.
func FitGP(x [][]float64, y []float64) (*GP, error) {
	n := len(x)
	if n == 0 {
		return nil, errors.New("no observations")
	}
	if len(y) != n {
		return nil, fmt.Errorf("got %d points and %d targets", n, len(y))
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("target %d is not finite", i)
		}
	}

	mean, std := meanStd(y)
	if std < 1e-12 {
		std = 1
	}
	ys := make([]float64, n)
	for i, v := range y {
		ys[i] = (v - mean) / std
	}

	var best *GP
	for _, ls := range lengthScales {
		for _, noise := range noiseLevels {
			g, err := fitFixed(x, ys, ls, noise)
			if err != nil {
				continue
			}
			if best == nil || g.logML > best.logML {
				best = g
			}
		}
	}
	if best == nil {
		return nil, ErrNotPositiveDefinite
	}
	best.yMean = mean
	best.yStd = std
	return best, nil
}

func fitFixed(x [][]float64, ys []float64, ls, noise float64) (*GP, error) {
	n := len(x)
	k := make([][]float64, n)
	for i := range k {
		k[i] = make([]float64, n)
		for j := 0; j <= i; j++ {
			v := matern52(x[i], x[j], ls)
			if i == j {
				v += noise
			}
			k[i][j] = v
			k[j][i] = v
		}
	}
	l, err := cholesky(k)
	if err != nil {
		return nil, err
	}
	alpha := cholSolve(l, ys)

	logML := 0.0
	for i := 0; i < n; i++ {
		logML -= 0.5 * ys[i] * alpha[i]
		logML -= math.Log(l[i][i])
	}
	logML -= 0.5 * float64(n) * math.Log(2*math.Pi)

	return &GP{x: x, chol: l, alpha: alpha, lengthScale: ls, noise: noise, logML: logML}, nil
}

// Predict returns the posterior mean and standard deviation at p.
func (g *GP) Predict(p []float64) (mean, std float64) {
	n := len(g.x)
	ks := make([]float64, n)
	for i := range g.x {
		ks[i] = matern52(p, g.x[i], g.lengthScale)
	}
	mu := 0.0
	for i := range ks {
		mu += ks[i] * g.alpha[i]
	}
	v := forwardSub(g.chol, ks)
	variance := 1.0
	for _, vi := range v {
		variance -= vi * vi
	}
	if variance < 1e-12 {
		variance = 1e-12
	}
	return g.yMean + g.yStd*mu, g.yStd * math.Sqrt(variance)
}

// LengthScale returns the selected kernel length scale.
func (g *GP) LengthScale() float64 { return g.lengthScale }

func matern52(a, b []float64, ls float64) float64 {
	d2 := 0.0
	for i := range a {
		d := a[i] - b[i]
		d2 += d * d
	}
	r := math.Sqrt(5*d2) / ls
	return (1 + r + r*r/3) * math.Exp(-r)
}

// cholesky returns the lower-triangular factor of a symmetric matrix.
func cholesky(a [][]float64) ([][]float64, error) {
	n := len(a)
	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}
	for j := 0; j < n; j++ {
		s := a[j][j]
		for k := 0; k < j; k++ {
			s -= l[j][k] * l[j][k]
		}
		if s <= 0 || math.IsNaN(s) {
			return nil, ErrNotPositiveDefinite
		}
		l[j][j] = math.Sqrt(s)
		for i := j + 1; i < n; i++ {
			s := a[i][j]
			for k := 0; k < j; k++ {
				s -= l[i][k] * l[j][k]
			}
			l[i][j] = s / l[j][j]
		}
	}
	return l, nil
}

// forwardSub solves L v = b.
func forwardSub(l [][]float64, b []float64) []float64 {
	n := len(b)
	v := make([]float64, n)
	for i := 0; i < n; i++ {
		s := b[i]
		for k := 0; k < i; k++ {
			s -= l[i][k] * v[k]
		}
		v[i] = s / l[i][i]
	}
	return v
}

// cholSolve solves (L Lᵀ) x = b.
func cholSolve(l [][]float64, b []float64) []float64 {
	v := forwardSub(l, b)
	n := len(v)
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		s := v[i]
		for k := i + 1; k < n; k++ {
			s -= l[k][i] * x[k]
		}
		x[i] = s / l[i][i]
	}
	return x
}

func meanStd(y []float64) (float64, float64) {
	mean := 0.0
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))
	ss := 0.0
	for _, v := range y {
		ss += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(ss / float64(len(y)))
}
