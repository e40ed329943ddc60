package models

import (
	"fmt"

	"github.com/san-kum/diffsim/internal/dynamo"
)

const (
	DefaultMass    = 1.0
	DefaultLength  = 1.0
	DefaultGravity = 9.81
)

func unknownParam(name string) error {
	return fmt.Errorf("unknown param %q: %w", name, dynamo.ErrUnknownField)
}

func positive(name string, value float64) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %g: %w", name, value, dynamo.ErrParameterBounds)
	}
	return nil
}

func control(u dynamo.Vec, i int) float64 {
	if i < len(u) {
		return u[i]
	}
	return 0
}
