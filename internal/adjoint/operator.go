// Package adjoint wraps an opaque physics step with a backward rule that
// returns gradients with respect to the incoming state and the control.
package adjoint

import "github.com/san-kum/diffsim/internal/physics"

// Gradient is the pullback of one step. Flat and State carry the same
// values; Control has one entry per actuator.
type Gradient struct {
	State   *physics.State
	Flat    []float64
	Control []float64
}

// Operator is a differentiable step. Forward writes u into the control
// slot of s and steps; Backward pulls the flat upstream gradient g of the
// output state back through that step.
type Operator interface {
	Forward(s *physics.State, u []float64) (*physics.State, error)
	Backward(s *physics.State, u []float64, out *physics.State, g []float64) (*Gradient, error)
}
