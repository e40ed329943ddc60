package integrators

import (
	"sync"

	"github.com/san-kum/diffsim/internal/dynamo"
)

// RK4 is the classical fourth-order Runge-Kutta scheme. Stage buffers come
// from a per-dimension pool so one RK4 value can serve concurrent callers.
type RK4 struct {
	pools sync.Map
}

func NewRK4() *RK4 {
	return &RK4{}
}

func (r *RK4) pool(n int) *dynamo.VecPool {
	if p, ok := r.pools.Load(n); ok {
		return p.(*dynamo.VecPool)
	}
	p, _ := r.pools.LoadOrStore(n, dynamo.NewVecPool(n))
	return p.(*dynamo.VecPool)
}

func (r *RK4) Step(dyn dynamo.System, x dynamo.Vec, u dynamo.Vec, t, dt float64) dynamo.Vec {
	n := len(x)
	pool := r.pool(n)

	k1 := pool.GetAndCopy(dyn.Derive(x, u, t))
	scratch := pool.Get()
	defer func() {
		pool.Put(k1)
		pool.Put(scratch)
	}()

	for i := 0; i < n; i++ {
		scratch[i] = x[i] + dt*0.5*k1[i]
	}
	k2 := pool.GetAndCopy(dyn.Derive(scratch, u, t+dt*0.5))
	defer pool.Put(k2)

	for i := 0; i < n; i++ {
		scratch[i] = x[i] + dt*0.5*k2[i]
	}
	k3 := pool.GetAndCopy(dyn.Derive(scratch, u, t+dt*0.5))
	defer pool.Put(k3)

	for i := 0; i < n; i++ {
		scratch[i] = x[i] + dt*k3[i]
	}
	k4 := dyn.Derive(scratch, u, t+dt)

	result := make(dynamo.Vec, n)
	dt6 := dt / 6.0
	for i := 0; i < n; i++ {
		result[i] = x[i] + dt6*(k1[i]+2*k2[i]+2*k3[i]+k4[i])
	}

	return result
}
