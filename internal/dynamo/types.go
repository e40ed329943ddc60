package dynamo

import (
	"fmt"
	"math"
)

type Vec []float64

func (v Vec) Clone() Vec {
	if v == nil {
		return nil
	}
	c := make(Vec, len(v))
	copy(c, v)
	return c
}

func (v Vec) IsValid() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func (v Vec) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

func (v Vec) Dot(other Vec) float64 {
	sum := 0.0
	for i := range v {
		if i < len(other) {
			sum += v[i] * other[i]
		}
	}
	return sum
}

func (v Vec) Add(other Vec) Vec {
	result := make(Vec, len(v))
	for i := range v {
		if i < len(other) {
			result[i] = v[i] + other[i]
		} else {
			result[i] = v[i]
		}
	}
	return result
}

func (v Vec) Scale(factor float64) Vec {
	result := make(Vec, len(v))
	for i := range v {
		result[i] = v[i] * factor
	}
	return result
}

func (v Vec) Sub(other Vec) Vec {
	result := make(Vec, len(v))
	for i := range v {
		if i < len(other) {
			result[i] = v[i] - other[i]
		} else {
			result[i] = v[i]
		}
	}
	return result
}

// AddScaled accumulates factor*other into v in place.
func (v Vec) AddScaled(factor float64, other Vec) {
	for i := range v {
		if i < len(other) {
			v[i] += factor * other[i]
		}
	}
}

type System interface {
	Derive(x Vec, u Vec, t float64) Vec
	StateDim() int
	ControlDim() int
}

type Hamiltonian interface {
	Energy(x Vec) float64
}

type Integrator interface {
	Step(dyn System, x Vec, u Vec, t float64, dt float64) Vec
}

// Configurable systems accept named parameters from model description files.
type Configurable interface {
	GetParams() map[string]float64
	SetParam(name string, value float64) error
}

// CheckDim returns ErrDimensionMismatch when got != want.
func CheckDim(what string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s: got %d, want %d: %w", what, got, want, ErrDimensionMismatch)
	}
	return nil
}
