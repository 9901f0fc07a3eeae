package space

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// DimensionType selects how a dimension is sampled and normalized.
type DimensionType string

const (
	// Float is a uniform continuous dimension.
	Float DimensionType = "float"
	// Log is a continuous dimension sampled uniformly in log space.
	Log DimensionType = "log"
)

// Dimension declares one tunable parameter.
type Dimension struct {
	Name string        `json:"name" yaml:"name"`
	Low  float64       `json:"low" yaml:"low"`
	High float64       `json:"high" yaml:"high"`
	Type DimensionType `json:"type,omitempty" yaml:"type,omitempty"`
}

func (d Dimension) kind() DimensionType {
	if d.Type == "" {
		return Float
	}
	return d.Type
}

// Space is the box-constrained search space of a study.
// Bounds are fixed at study creation.
type Space struct {
	Dims []Dimension `json:"dims" yaml:"dims"`
}

// New creates a space from the given dimensions and checks the declaration.
func New(dims ...Dimension) (Space, error) {
	s := Space{Dims: append([]Dimension(nil), dims...)}
	if err := s.Check(); err != nil {
		return Space{}, err
	}
	return s, nil
}

// DefaultPI returns the gain bounds used by the tank level loop.
func DefaultPI() Space {
	return Space{Dims: []Dimension{
		{Name: "KC", Low: 0.05, High: 0.5, Type: Float},
		{Name: "KI", Low: 0.003, High: 0.05, Type: Float},
	}}
}

// Check validates the declaration itself.
func (s Space) Check() error {
	if len(s.Dims) == 0 {
		return &DeclarationError{Reason: "at least one dimension is required"}
	}
	seen := make(map[string]bool, len(s.Dims))
	for _, d := range s.Dims {
		if strings.TrimSpace(d.Name) == "" {
			return &DeclarationError{Reason: "dimension name cannot be empty"}
		}
		if seen[d.Name] {
			return &DeclarationError{Dim: d.Name, Reason: "duplicate dimension"}
		}
		seen[d.Name] = true
		if !finite(d.Low) || !finite(d.High) {
			return &DeclarationError{Dim: d.Name, Reason: "bounds must be finite"}
		}
		if d.Low >= d.High {
			return &DeclarationError{Dim: d.Name, Reason: fmt.Sprintf("low %g must be below high %g", d.Low, d.High)}
		}
		switch d.kind() {
		case Float:
		case Log:
			if d.Low <= 0 {
				return &DeclarationError{Dim: d.Name, Reason: "log dimension needs a positive lower bound"}
			}
		default:
			return &DeclarationError{Dim: d.Name, Reason: fmt.Sprintf("unknown type %q", d.Type)}
		}
	}
	return nil
}

// Names returns the dimension names in declaration order.
func (s Space) Names() []string {
	names := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		names[i] = d.Name
	}
	return names
}

// Dim returns the dimension with the given name.
func (s Space) Dim(name string) (Dimension, bool) {
	for _, d := range s.Dims {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// Validate reports whether v holds exactly the declared dimensions, each
// inside its bound. It has no side effects.
func (s Space) Validate(v Vector) error {
	for _, d := range s.Dims {
		x, ok := v[d.Name]
		if !ok {
			return &OutOfBoundsError{Dim: d.Name, Low: d.Low, High: d.High, Reason: "missing"}
		}
		if !finite(x) {
			return &OutOfBoundsError{Dim: d.Name, Value: x, Low: d.Low, High: d.High, Reason: "not finite"}
		}
		if x < d.Low || x > d.High {
			return &OutOfBoundsError{Dim: d.Name, Value: x, Low: d.Low, High: d.High, Reason: "out of bounds"}
		}
	}
	if len(v) != len(s.Dims) {
		for name, x := range v {
			if _, ok := s.Dim(name); !ok {
				return &OutOfBoundsError{Dim: name, Value: x, Reason: "undeclared"}
			}
		}
	}
	return nil
}

// Equal reports whether both spaces declare the same dimensions and bounds.
func (s Space) Equal(o Space) bool {
	if len(s.Dims) != len(o.Dims) {
		return false
	}
	for i := range s.Dims {
		a, b := s.Dims[i], o.Dims[i]
		if a.Name != b.Name || a.Low != b.Low || a.High != b.High || a.kind() != b.kind() {
			return false
		}
	}
	return true
}

// Normalize maps v into the unit cube, in declaration order.
func (s Space) Normalize(v Vector) []float64 {
	u := make([]float64, len(s.Dims))
	for i, d := range s.Dims {
		x := v[d.Name]
		switch d.kind() {
		case Log:
			u[i] = (math.Log(x) - math.Log(d.Low)) / (math.Log(d.High) - math.Log(d.Low))
		default:
			u[i] = (x - d.Low) / (d.High - d.Low)
		}
		u[i] = clamp(u[i], 0, 1)
	}
	return u
}

// Denormalize maps a unit-cube point back into the space. Coordinates are
// clamped so the result always validates.
func (s Space) Denormalize(u []float64) Vector {
	v := make(Vector, len(s.Dims))
	for i, d := range s.Dims {
		t := 0.0
		if i < len(u) && finite(u[i]) {
			t = clamp(u[i], 0, 1)
		}
		var x float64
		switch d.kind() {
		case Log:
			x = math.Exp(math.Log(d.Low) + t*(math.Log(d.High)-math.Log(d.Low)))
		default:
			x = d.Low + t*(d.High-d.Low)
		}
		v[d.Name] = clamp(x, d.Low, d.High)
	}
	return v
}

// Sample draws a point uniformly within the bounds.
func (s Space) Sample(rng *rand.Rand) Vector {
	u := make([]float64, len(s.Dims))
	for i := range u {
		u[i] = rng.Float64()
	}
	return s.Denormalize(u)
}

// Vector maps dimension names to values. Treat it as immutable: callers
// receive clones.
type Vector map[string]float64

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out
}

// Names returns the keys sorted lexicographically.
func (v Vector) Names() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Format renders the vector as "KC=0.2000 KI=0.0100".
func (v Vector) Format() string {
	parts := make([]string, 0, len(v))
	for _, k := range v.Names() {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, v[k]))
	}
	return strings.Join(parts, " ")
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
