package opt

import "math"

// ExpectedImprovement for minimization: E[max(best - f(x) - xi, 0)] under a
// normal posterior with the given mean and standard deviation.
func ExpectedImprovement(mean, std, best, xi float64) float64 {
	imp := best - mean - xi
	if std <= 0 {
		return math.Max(imp, 0)
	}
	z := imp / std
	return imp*normCDF(z) + std*normPDF(z)
}

func normCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

func normPDF(z float64) float64 {
	return math.Exp(-0.5*z*z) / math.Sqrt(2*math.Pi)
}
