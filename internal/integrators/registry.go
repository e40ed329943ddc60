package integrators

import (
	"fmt"

	"github.com/san-kum/diffsim/internal/dynamo"
)

// New resolves an integrator by its configuration name.
func New(name string) (dynamo.Integrator, error) {
	switch name {
	case "euler":
		return NewEuler(), nil
	case "semi_implicit", "":
		return NewSemiImplicit(), nil
	case "rk4":
		return NewRK4(), nil
	default:
		return nil, fmt.Errorf("unknown integrator %q: %w", name, dynamo.ErrUnknownField)
	}
}

func Names() []string {
	return []string{"euler", "rk4", "semi_implicit"}
}
