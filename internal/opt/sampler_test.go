package opt

import (
	"math"
	"math/rand"
	"testing"
)

func bowl(p []float64) float64 {
	a := p[0] - 0.3
	b := p[1] - 0.7
	return a*a + b*b
}

func TestSamplerStartupIsRandom(t *testing.T) {
	s := NewSampler(DefaultSamplerConfig())
	for i := 0; i < 5; i++ {
		p, src, err := s.Next(2, nil, nil)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if src != SourceRandom {
			t.Errorf("source = %s, want random", src)
		}
		for _, v := range p {
			if v < 0 || v > 1 {
				t.Errorf("point %v outside the unit cube", p)
			}
		}
	}
}

func TestSamplerSuggestionsStayInCube(t *testing.T) {
	cfg := DefaultSamplerConfig()
	cfg.StartupTrials = 3
	s := NewSampler(cfg)
	rng := rand.New(rand.NewSource(7))

	var obs []Observation
	for i := 0; i < 20; i++ {
		var p []float64
		if i < 3 {
			p = []float64{rng.Float64(), rng.Float64()}
		} else {
			var err error
			p, _, err = s.Next(2, obs, nil)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
		}
		for _, v := range p {
			if v < 0 || v > 1 || math.IsNaN(v) {
				t.Fatalf("point %v outside the unit cube", p)
			}
		}
		obs = append(obs, Observation{X: p, Y: bowl(p)})
	}
}

func TestSamplerImprovesOverRandom(t *testing.T) {
	cfg := DefaultSamplerConfig()
	cfg.StartupTrials = 5
	cfg.Seed = 3
	s := NewSampler(cfg)

	var obs []Observation
	best := math.Inf(1)
	for i := 0; i < 25; i++ {
		p, _, err := s.Next(2, obs, nil)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		y := bowl(p)
		best = math.Min(best, y)
		obs = append(obs, Observation{X: p, Y: y})
	}
	if best > 0.01 {
		t.Errorf("best after 25 suggestions = %f, want < 0.01", best)
	}
}

func TestSamplerAvoidsPendingPoints(t *testing.T) {
	cfg := DefaultSamplerConfig()
	cfg.StartupTrials = 1
	s := NewSampler(cfg)

	obs := []Observation{
		{X: []float64{0.1, 0.1}, Y: 1},
		{X: []float64{0.9, 0.9}, Y: 1},
		{X: []float64{0.5, 0.5}, Y: 0.1},
	}
	first, src, err := s.Next(2, obs, nil)
	if err != nil || src != SourceSurrogate {
		t.Fatalf("Next = %v, %s, %v", first, src, err)
	}
	second, _, err := s.Next(2, obs, [][]float64{first})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	d := math.Hypot(first[0]-second[0], first[1]-second[1])
	if d < 1e-3 {
		t.Errorf("second suggestion %v repeats pending point %v", second, first)
	}
}
