// Package dynamo provides the numeric primitives shared by the physics
// engine and the differentiable-simulation layer.
//
// The package defines:
//
//   - [Vec]: dense float64 vector used for ODE states, controls and flat states
//   - [System]: interface for ODE systems (dX/dt = f(X, u, t))
//   - [Integrator]: fixed-step numerical integrator interface
//   - [ParallelFor]: chunked data-parallel dispatch over an index range
//   - sentinel errors shared across packages
//
// # Example
//
//	dyn := models.NewPendulum()
//	integ := integrators.NewRK4()
//	next := integ.Step(dyn, x, u, t, dt)
//
// # Thread Safety
//
// Integrators in this module allocate per call and are safe for concurrent
// use. Systems are read-only once constructed.
package dynamo
