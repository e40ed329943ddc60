package policy

import (
	"fmt"

	"github.com/san-kum/diffsim/internal/dynamo"
)

// OpenLoop ignores the observation and replays U[k].
type OpenLoop struct {
	horizon int
	dim     int
	u       []float64
}

// NewOpenLoop copies u, laid out step-major (horizon x dim). A nil u starts
// at zero.
func NewOpenLoop(horizon, dim int, u []float64) (*OpenLoop, error) {
	if u == nil {
		u = make([]float64, horizon*dim)
	}
	if err := checkParams(len(u), horizon*dim); err != nil {
		return nil, err
	}
	return &OpenLoop{horizon: horizon, dim: dim, u: append([]float64(nil), u...)}, nil
}

func (o *OpenLoop) Horizon() int { return o.horizon }

func (o *OpenLoop) Control(obs []float64, t float64, k int) ([]float64, error) {
	if k < 0 || k >= o.horizon {
		return nil, fmt.Errorf("open-loop step %d outside horizon %d: %w", k, o.horizon, dynamo.ErrDimensionMismatch)
	}
	return append([]float64(nil), o.u[k*o.dim:(k+1)*o.dim]...), nil
}

func (o *OpenLoop) Params() []float64 {
	return append([]float64(nil), o.u...)
}

func (o *OpenLoop) WithParams(p []float64) (Differentiable, error) {
	return NewOpenLoop(o.horizon, o.dim, p)
}

func (o *OpenLoop) Backward(obs []float64, t float64, k int, gu []float64) ([]float64, []float64, error) {
	if k < 0 || k >= o.horizon {
		return nil, nil, fmt.Errorf("open-loop step %d outside horizon %d: %w", k, o.horizon, dynamo.ErrDimensionMismatch)
	}
	if err := dynamo.CheckDim("control gradient", len(gu), o.dim); err != nil {
		return nil, nil, err
	}
	gp := make([]float64, len(o.u))
	copy(gp[k*o.dim:], gu)
	return gp, make([]float64, len(obs)), nil
}

func checkParams(got, want int) error {
	return dynamo.CheckDim("policy params", got, want)
}
