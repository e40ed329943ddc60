package physics

import (
	"math"
	"strings"
)

type Solver struct {
	Steps    int64
	Warnings int64
}

// State is the full simulation state. Core components treat it as a value:
// every step returns a new State.
type State struct {
	Time          float64
	Qpos          []float64
	Qvel          []float64
	Qacc          []float64
	Ctrl          []float64
	ActuatorForce []float64
	SensorData    []float64
	Solver        Solver
}

// NewState returns a zeroed state shaped for m with qpos at Qpos0.
func NewState(m *Model) *State {
	s := &State{
		Qpos:          make([]float64, m.Nq),
		Qvel:          make([]float64, m.Nv),
		Qacc:          make([]float64, m.Nv),
		Ctrl:          make([]float64, m.Nu),
		ActuatorForce: make([]float64, m.Nu),
		SensorData:    make([]float64, m.Nsensor),
	}
	copy(s.Qpos, m.Qpos0)
	return s
}

func (s *State) Clone() *State {
	return &State{
		Time:          s.Time,
		Qpos:          clone(s.Qpos),
		Qvel:          clone(s.Qvel),
		Qacc:          clone(s.Qacc),
		Ctrl:          clone(s.Ctrl),
		ActuatorForce: clone(s.ActuatorForce),
		SensorData:    clone(s.SensorData),
		Solver:        s.Solver,
	}
}

// WithCtrl returns a copy of s with the control replaced.
func (s *State) WithCtrl(u []float64) *State {
	c := s.Clone()
	copy(c.Ctrl, u)
	return c
}

func clone(v []float64) []float64 {
	c := make([]float64, len(v))
	copy(c, v)
	return c
}

// Leaf is one field of a State. Exactly one of Floats, Scalar or Int is set,
// and it aliases the owning State.
type Leaf struct {
	Path   []string
	Floats []float64
	Scalar *float64
	Int    *int64
}

func (l Leaf) Name() string {
	return strings.Join(l.Path, ".")
}

func (l Leaf) Size() int {
	if l.Floats != nil {
		return len(l.Floats)
	}
	return 1
}

// Discrete reports whether the leaf holds integer data.
func (l Leaf) Discrete() bool {
	return l.Int != nil
}

// Read copies the leaf into dst[:Size()].
func (l Leaf) Read(dst []float64) {
	switch {
	case l.Int != nil:
		dst[0] = float64(*l.Int)
	case l.Scalar != nil:
		dst[0] = *l.Scalar
	default:
		copy(dst, l.Floats)
	}
}

// Write copies src[:Size()] into the leaf. Integer leaves round to nearest.
func (l Leaf) Write(src []float64) {
	switch {
	case l.Int != nil:
		*l.Int = int64(math.Round(src[0]))
	case l.Scalar != nil:
		*l.Scalar = src[0]
	default:
		copy(l.Floats, src)
	}
}

// Leaves yields every field of s in canonical order:
// time, qpos, qvel, qacc, ctrl, actuator_force, sensordata,
// solver.steps, solver.warnings.
func (s *State) Leaves() []Leaf {
	return []Leaf{
		{Path: []string{"time"}, Scalar: &s.Time},
		{Path: []string{"qpos"}, Floats: s.Qpos},
		{Path: []string{"qvel"}, Floats: s.Qvel},
		{Path: []string{"qacc"}, Floats: s.Qacc},
		{Path: []string{"ctrl"}, Floats: s.Ctrl},
		{Path: []string{"actuator_force"}, Floats: s.ActuatorForce},
		{Path: []string{"sensordata"}, Floats: s.SensorData},
		{Path: []string{"solver", "steps"}, Int: &s.Solver.Steps},
		{Path: []string{"solver", "warnings"}, Int: &s.Solver.Warnings},
	}
}
