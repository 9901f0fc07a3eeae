package opt

import (
	"math"
	"math/rand"
	"sync"
)

// Source tells where a suggestion came from.
type Source string

const (
	SourceRandom    Source = "random"    // startup phase
	SourceSurrogate Source = "surrogate" // expected-improvement maximum
	SourceFallback  Source = "fallback"  // surrogate could not be fitted
)

// Observation is an evaluated point in the unit cube.
type Observation struct {
	X []float64
	Y float64
}

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	// StartupTrials is the number of observations below which points are
	// drawn uniformly at random.
	StartupTrials int

	// Candidates is the number of random points scored before the
	// acquisition search refines the best of them.
	Candidates int

	// SearchIters and SearchPop size the Mayfly run that maximizes EI.
	SearchIters int
	SearchPop   int

	// Xi is the exploration margin of expected improvement.
	Xi float64

	Seed int64
}

// DefaultSamplerConfig returns the settings used by studies.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		StartupTrials: 10,
		Candidates:    512,
		SearchIters:   30,
		SearchPop:     20,
		Xi:            0.01,
		Seed:          1,
	}
}

// Sampler proposes the next point to evaluate from past observations. It is
// safe for concurrent use; the random stream is shared and locked.
type Sampler struct {
	config SamplerConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler creates a Sampler.
func NewSampler(config SamplerConfig) *Sampler {
	if config.Candidates <= 0 {
		config.Candidates = 1
	}
	return &Sampler{config: config, rng: rand.New(rand.NewSource(config.Seed))}
}

// Next returns a point in [0,1]^dim. pending holds points being evaluated by
// other workers; they enter the model as constant liars at the worst
// observed value so concurrent workers spread out.
func (s *Sampler) Next(dim int, observed []Observation, pending [][]float64) ([]float64, Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(observed) < s.config.StartupTrials || len(observed) == 0 {
		return s.random(dim), SourceRandom, nil
	}

	x := make([][]float64, 0, len(observed)+len(pending))
	y := make([]float64, 0, len(observed)+len(pending))
	best, worst := math.Inf(1), math.Inf(-1)
	for _, o := range observed {
		x = append(x, o.X)
		y = append(y, o.Y)
		best = math.Min(best, o.Y)
		worst = math.Max(worst, o.Y)
	}
	for _, p := range pending {
		x = append(x, p)
		y = append(y, worst)
	}

	gp, err := FitGP(x, y)
	if err != nil {
		return s.random(dim), SourceFallback, err
	}

	acq := func(p []float64) float64 {
		mean, std := gp.Predict(p)
		return ExpectedImprovement(mean, std, best, s.config.Xi*gpScale(gp))
	}

	var top []float64
	topEI := math.Inf(-1)
	for i := 0; i < s.config.Candidates; i++ {
		p := s.random(dim)
		if v := acq(p); v > topEI {
			top, topEI = p, v
		}
	}

	if s.config.SearchIters > 0 {
		lower := make([]float64, dim)
		upper := make([]float64, dim)
		for i := range upper {
			upper[i] = 1
		}
		search := NewMayfly(s.config.SearchIters, s.config.SearchPop, s.rng.Int63())
		p, negEI := search.Run(func(p []float64) float64 { return -acq(p) }, lower, upper, dim)
		if -negEI > topEI {
			top, topEI = p, -negEI
		}
	}

	if topEI <= 0 || math.IsNaN(topEI) {
		return s.random(dim), SourceFallback, nil
	}
	return top, SourceSurrogate, nil
}

func (s *Sampler) random(dim int) []float64 {
	p := make([]float64, dim)
	for i := range p {
		p[i] = s.rng.Float64()
	}
	return p
}

// gpScale converts the xi margin into objective units.
func gpScale(g *GP) float64 {
	return g.yStd
}
