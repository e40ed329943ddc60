package integrators

import "github.com/san-kum/diffsim/internal/dynamo"

type Euler struct{}

func NewEuler() *Euler {
	return &Euler{}
}

func (e *Euler) Step(dyn dynamo.System, x dynamo.Vec, u dynamo.Vec, t, dt float64) dynamo.Vec {
	dx := dyn.Derive(x, u, t)
	result := make(dynamo.Vec, len(x))
	for i := range x {
		result[i] = x[i] + dt*dx[i]
	}
	return result
}
