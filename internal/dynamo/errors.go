package dynamo

import (
	"errors"
	"fmt"
)

// Domain errors shared by the physics, adjoint and rollout layers.
var (
	// ErrInvalidState indicates a state with NaN or Inf values.
	ErrInvalidState = errors.New("dynamo: invalid state (NaN or Inf detected)")

	// ErrDimensionMismatch indicates mismatched state/control dimensions or
	// a state whose layout differs from a cached one.
	ErrDimensionMismatch = errors.New("dynamo: dimension mismatch between state and system")

	// ErrParameterBounds indicates a parameter value is outside valid range.
	ErrParameterBounds = errors.New("dynamo: parameter out of valid bounds")

	// ErrNotPositiveDefinite indicates a cost weighting that is not a metric.
	ErrNotPositiveDefinite = errors.New("dynamo: weighting matrix is not positive definite")

	// ErrUnknownField indicates a state field, parameter or registered name
	// that does not exist.
	ErrUnknownField = errors.New("dynamo: unknown field")
)

// StepError wraps an error with rollout context.
type StepError struct {
	Trajectory int
	Step       int
	Time       float64
	Wrapped    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("trajectory %d, step %d (t=%.4f): %v", e.Trajectory, e.Step, e.Time, e.Wrapped)
}

func (e *StepError) Unwrap() error {
	return e.Wrapped
}
