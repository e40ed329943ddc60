package optim

import (
	"fmt"
	"math"

	"github.com/san-kum/diffsim/internal/dynamo"
)

// State is the optimizer state threaded through Update. Rules never mutate
// the state they are given.
type State struct {
	Step int
	M    []float64
	V    []float64
}

// UpdateRule maps a gradient to a parameter delta.
type UpdateRule interface {
	Init(params []float64) *State
	Update(grad []float64, st *State, params []float64) (delta []float64, next *State)
}

type SGD struct {
	LR float64
}

func (r SGD) Init(params []float64) *State {
	return &State{}
}

func (r SGD) Update(grad []float64, st *State, params []float64) ([]float64, *State) {
	return dynamo.Vec(grad).Scale(-r.LR), &State{Step: st.Step + 1}
}

// Momentum is heavy-ball gradient descent.
type Momentum struct {
	LR   float64
	Beta float64
}

func (r Momentum) Init(params []float64) *State {
	return &State{M: make([]float64, len(params))}
}

func (r Momentum) Update(grad []float64, st *State, params []float64) ([]float64, *State) {
	m := make([]float64, len(grad))
	delta := make([]float64, len(grad))
	for i, g := range grad {
		m[i] = r.Beta*st.M[i] + g
		delta[i] = -r.LR * m[i]
	}
	return delta, &State{Step: st.Step + 1, M: m}
}

type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

func NewAdam(lr float64) Adam {
	return Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

func (r Adam) Init(params []float64) *State {
	return &State{M: make([]float64, len(params)), V: make([]float64, len(params))}
}

func (r Adam) Update(grad []float64, st *State, params []float64) ([]float64, *State) {
	step := st.Step + 1
	m := make([]float64, len(grad))
	v := make([]float64, len(grad))
	delta := make([]float64, len(grad))
	c1 := 1 - math.Pow(r.Beta1, float64(step))
	c2 := 1 - math.Pow(r.Beta2, float64(step))
	for i, g := range grad {
		m[i] = r.Beta1*st.M[i] + (1-r.Beta1)*g
		v[i] = r.Beta2*st.V[i] + (1-r.Beta2)*g*g
		delta[i] = -r.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + r.Epsilon)
	}
	return delta, &State{Step: step, M: m, V: v}
}

// NewRule resolves an update rule by configuration name.
func NewRule(name string, lr float64) (UpdateRule, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate %g: %w", lr, dynamo.ErrParameterBounds)
	}
	switch name {
	case "sgd":
		return SGD{LR: lr}, nil
	case "momentum":
		return Momentum{LR: lr, Beta: 0.9}, nil
	case "adam", "":
		return NewAdam(lr), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q: %w", name, dynamo.ErrUnknownField)
	}
}

func RuleNames() []string {
	return []string{"adam", "momentum", "sgd"}
}
