package oracle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/cwbudde/pidtune/internal/space"
)

// Plant simulates a tank level loop: a first-order process with dead time
// driven through a saturating valve by a PI controller
//
//	u = KC*e + KI*∫e dt,   tau*dy/dt = -y + Gain*u(t - DeadTime)
//
// The run applies two setpoint bumps and a load disturbance, and adds
// measurement noise seeded from the gains, so equal gains give equal
// responses.
type Plant struct {
	Gain         float64       `yaml:"gain" json:"gain"`
	TimeConstant float64       `yaml:"timeConstant" json:"timeConstant"`
	DeadTime     float64       `yaml:"deadTime" json:"deadTime"`
	Step         float64       `yaml:"step" json:"step"`
	Horizon      float64       `yaml:"horizon" json:"horizon"`
	Noise        float64       `yaml:"noise" json:"noise"`
	Disturbance  float64       `yaml:"disturbance" json:"disturbance"`
	Seed         int64         `yaml:"seed" json:"seed"`
	Delay        time.Duration `yaml:"delay" json:"delay"` // wall time per call, to mimic an expensive engine
}

// DefaultPlant returns the lab tank used by the examples and tests.
func DefaultPlant() Plant {
	return Plant{
		Gain:         8,
		TimeConstant: 40,
		DeadTime:     10,
		Step:         0.5,
		Horizon:      900,
		Noise:        0.002,
		Disturbance:  -0.02,
		Seed:         1,
	}
}

func (p Plant) check() error {
	switch {
	case p.Gain == 0:
		return errors.New("plant gain must be non-zero")
	case p.TimeConstant <= 0:
		return errors.New("plant time constant must be positive")
	case p.DeadTime < 0:
		return errors.New("plant dead time cannot be negative")
	case p.Step <= 0 || p.Horizon <= 2*p.Step:
		return errors.New("plant step must be positive and well below the horizon")
	}
	return nil
}

// Open returns a session on the plant model.
func (p Plant) Open(ctx context.Context) (Session, error) {
	if err := p.check(); err != nil {
		return nil, Rejected(err)
	}
	return plantSession{p}, nil
}

// Ping always succeeds; the model runs in process.
func (p Plant) Ping(ctx context.Context) error { return p.check() }

type plantSession struct{ p Plant }

func (s plantSession) Close() error { return nil }

func (s plantSession) Simulate(ctx context.Context, params space.Vector) (*Response, error) {
	kc, okc := params["KC"]
	ki, oki := params["KI"]
	if !okc || !oki {
		return nil, Rejected(errors.New("plant needs KC and KI"))
	}
	if kc <= 0 || ki <= 0 {
		return nil, Rejected(fmt.Errorf("gains must be positive, got KC=%g KI=%g", kc, ki))
	}
	if s.p.Delay > 0 {
		select {
		case <-time.After(s.p.Delay):
		case <-ctx.Done():
			return nil, Transient(ctx.Err())
		}
	}
	return s.p.run(kc, ki), nil
}

func (p Plant) run(kc, ki float64) *Response {
	n := int(p.Horizon/p.Step) + 1
	delay := int(math.Round(p.DeadTime / p.Step))
	rng := rand.New(rand.NewSource(p.Seed ^ gainSeed(kc, ki)))

	resp := &Response{
		Time:     make([]float64, n),
		Setpoint: make([]float64, n),
		Actual:   make([]float64, n),
	}
	valve := make([]float64, n) // controller output history for the dead time
	var y, integral float64
	for k := 0; k < n; k++ {
		t := float64(k) * p.Step
		sp := setpoint(t, p.Horizon)

		measured := y + p.Noise*rng.NormFloat64()
		e := sp - measured
		u := kc*e + ki*integral
		switch {
		case u > 1:
			u = 1
		case u < 0:
			u = 0
		default:
			integral += e * p.Step // no windup while saturated
		}
		valve[k] = u

		resp.Time[k] = t
		resp.Setpoint[k] = sp
		resp.Actual[k] = measured

		var applied float64
		if k-delay >= 0 {
			applied = valve[k-delay]
		}
		load := 0.0
		if t >= 0.75*p.Horizon {
			load = p.Disturbance
		}
		y += p.Step / p.TimeConstant * (-y + p.Gain*(applied+load))
	}
	return resp
}

// setpoint bumps from 0 to 1 and then to 1.5.
func setpoint(t, horizon float64) float64 {
	switch {
	case t < 0.02*horizon:
		return 0
	case t < 0.4*horizon:
		return 1
	default:
		return 1.5
	}
}

func gainSeed(kc, ki float64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%.12g/%.12g", kc, ki)
	return int64(h.Sum64())
}
