package physics

import (
	"fmt"

	"github.com/san-kum/diffsim/internal/dynamo"
)

// Model is read-only after construction and shared by every worker.
type Model struct {
	Name     string
	Nq       int
	Nv       int
	Nu       int
	Nsensor  int
	Timestep float64
	Qpos0    []float64
}

// NewModel derives the model shape from sys: the first half of the system
// state is qpos, the second half qvel. A nil qpos0 starts at the origin.
func NewModel(name string, sys dynamo.System, timestep float64, qpos0 []float64) (*Model, error) {
	n := sys.StateDim()
	if n == 0 || n%2 != 0 {
		return nil, fmt.Errorf("model %s: state dim %d is not [qpos, qvel]: %w", name, n, dynamo.ErrDimensionMismatch)
	}
	if timestep <= 0 {
		return nil, fmt.Errorf("model %s: timestep %g: %w", name, timestep, dynamo.ErrParameterBounds)
	}
	nq := n / 2
	if qpos0 == nil {
		qpos0 = make([]float64, nq)
	}
	if err := dynamo.CheckDim("qpos0", len(qpos0), nq); err != nil {
		return nil, fmt.Errorf("model %s: %w", name, err)
	}
	return &Model{
		Name:     name,
		Nq:       nq,
		Nv:       nq,
		Nu:       sys.ControlDim(),
		Nsensor:  nq,
		Timestep: timestep,
		Qpos0:    append([]float64(nil), qpos0...),
	}, nil
}
