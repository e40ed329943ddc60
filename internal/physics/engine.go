package physics

import (
	"fmt"

	"github.com/san-kum/diffsim/internal/dynamo"
)

// Engine advances a State by one model timestep. Step must be pure and safe
// for concurrent use.
type Engine interface {
	Model() *Model
	MakeState() *State
	Step(s *State) (*State, error)
}

// ODEEngine integrates a dynamo.System whose state is [qpos, qvel].
type ODEEngine struct {
	model *Model
	sys   dynamo.System
	integ dynamo.Integrator
}

func NewODEEngine(model *Model, sys dynamo.System, integ dynamo.Integrator) (*ODEEngine, error) {
	if err := dynamo.CheckDim("system state", sys.StateDim(), model.Nq+model.Nv); err != nil {
		return nil, err
	}
	if err := dynamo.CheckDim("system control", sys.ControlDim(), model.Nu); err != nil {
		return nil, err
	}
	return &ODEEngine{model: model, sys: sys, integ: integ}, nil
}

func (e *ODEEngine) Model() *Model {
	return e.model
}

func (e *ODEEngine) System() dynamo.System {
	return e.sys
}

func (e *ODEEngine) MakeState() *State {
	return NewState(e.model)
}

func (e *ODEEngine) Step(s *State) (*State, error) {
	m := e.model
	if err := e.checkShape(s); err != nil {
		return nil, err
	}

	x := make(dynamo.Vec, m.Nq+m.Nv)
	copy(x, s.Qpos)
	copy(x[m.Nq:], s.Qvel)
	u := dynamo.Vec(s.Ctrl)

	dx := e.sys.Derive(x, u, s.Time)
	xn := e.integ.Step(e.sys, x, u, s.Time, m.Timestep)

	next := s.Clone()
	copy(next.Qacc, dx[m.Nq:])
	copy(next.Qpos, xn[:m.Nq])
	copy(next.Qvel, xn[m.Nq:])
	copy(next.ActuatorForce, s.Ctrl)
	copy(next.SensorData, next.Qpos)
	next.Time = s.Time + m.Timestep
	next.Solver.Steps++
	if !xn.IsValid() {
		next.Solver.Warnings++
	}
	return next, nil
}

// Energy returns the system energy at s when the system defines one.
func (e *ODEEngine) Energy(s *State) (float64, bool) {
	h, ok := e.sys.(dynamo.Hamiltonian)
	if !ok {
		return 0, false
	}
	x := make(dynamo.Vec, 0, len(s.Qpos)+len(s.Qvel))
	x = append(x, s.Qpos...)
	x = append(x, s.Qvel...)
	return h.Energy(x), true
}

func (e *ODEEngine) checkShape(s *State) error {
	m := e.model
	checks := []struct {
		what      string
		got, want int
	}{
		{"qpos", len(s.Qpos), m.Nq},
		{"qvel", len(s.Qvel), m.Nv},
		{"qacc", len(s.Qacc), m.Nv},
		{"ctrl", len(s.Ctrl), m.Nu},
		{"actuator_force", len(s.ActuatorForce), m.Nu},
		{"sensordata", len(s.SensorData), m.Nsensor},
	}
	for _, c := range checks {
		if err := dynamo.CheckDim(c.what, c.got, c.want); err != nil {
			return fmt.Errorf("%s step: %w", m.Name, err)
		}
	}
	return nil
}
