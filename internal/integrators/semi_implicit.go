package integrators

import "github.com/san-kum/diffsim/internal/dynamo"

// SemiImplicit is the symplectic Euler scheme used by rigid-body engines:
// velocities are advanced first and the new velocities drive positions.
// The state is split in half: x = [q, v].
type SemiImplicit struct{}

func NewSemiImplicit() *SemiImplicit {
	return &SemiImplicit{}
}

func (s *SemiImplicit) Step(dyn dynamo.System, x dynamo.Vec, u dynamo.Vec, t, dt float64) dynamo.Vec {
	n := len(x)
	half := n / 2

	dx := dyn.Derive(x, u, t)
	result := make(dynamo.Vec, n)

	for i := 0; i < half; i++ {
		result[half+i] = x[half+i] + dt*dx[half+i]
	}
	for i := 0; i < half; i++ {
		result[i] = x[i] + dt*result[half+i]
	}

	return result
}
