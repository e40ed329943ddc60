// Package cost holds the swappable running, control and terminal costs and
// the termination predicate consumed by rollouts.
package cost

import "github.com/san-kum/diffsim/internal/physics"

// StateCost is a pure scalar function of the model and a state.
type StateCost interface {
	Cost(m *physics.Model, s *physics.State) float64
}

// Gradienter is implemented by costs with an analytic gradient. The result
// is shaped like s and zero on fields the cost does not read.
type Gradienter interface {
	Grad(m *physics.Model, s *physics.State) *physics.State
}

type Terminator interface {
	IsTerminal(m *physics.Model, s *physics.State) bool
}

// Func adapts a plain function to StateCost.
type Func func(m *physics.Model, s *physics.State) float64

func (f Func) Cost(m *physics.Model, s *physics.State) float64 {
	return f(m, s)
}

// TerminatorFunc adapts a plain predicate to Terminator.
type TerminatorFunc func(m *physics.Model, s *physics.State) bool

func (f TerminatorFunc) IsTerminal(m *physics.Model, s *physics.State) bool {
	return f(m, s)
}

// Policy bundles the four cost and termination functions. Nil members
// contribute zero cost and never terminate.
type Policy struct {
	Run        StateCost
	Control    StateCost
	Terminal   StateCost
	Terminator Terminator
}

func (p *Policy) RunCost(m *physics.Model, s *physics.State) float64 {
	return eval(p.Run, m, s)
}

func (p *Policy) ControlCost(m *physics.Model, s *physics.State) float64 {
	return eval(p.Control, m, s)
}

func (p *Policy) TerminalCost(m *physics.Model, s *physics.State) float64 {
	return eval(p.Terminal, m, s)
}

func (p *Policy) IsTerminal(m *physics.Model, s *physics.State) bool {
	if p.Terminator == nil {
		return false
	}
	return p.Terminator.IsTerminal(m, s)
}

func eval(c StateCost, m *physics.Model, s *physics.State) float64 {
	if c == nil {
		return 0
	}
	return c.Cost(m, s)
}
