package cost

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/physics"
)

// Diagonal builds a symmetric weight matrix with w on the diagonal.
func Diagonal(w []float64) *mat.SymDense {
	q := mat.NewSymDense(len(w), nil)
	for i, v := range w {
		q.SetSym(i, i, v)
	}
	return q
}

// StateQuadratic is Scale * (x-Target)' Q (x-Target) with x = [qpos, qvel].
type StateQuadratic struct {
	Q      *mat.SymDense
	Target []float64
	Scale  float64
}

// NewStateQuadratic checks shapes. A nil target is the origin.
func NewStateQuadratic(q *mat.SymDense, target []float64, scale float64) (*StateQuadratic, error) {
	n := q.SymmetricDim()
	if target == nil {
		target = make([]float64, n)
	}
	if err := dynamo.CheckDim("cost target", len(target), n); err != nil {
		return nil, err
	}
	return &StateQuadratic{Q: q, Target: target, Scale: scale}, nil
}

func (c *StateQuadratic) residual(s *physics.State) *mat.VecDense {
	n := c.Q.SymmetricDim()
	r := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		var x float64
		if i < len(s.Qpos) {
			x = s.Qpos[i]
		} else {
			x = s.Qvel[i-len(s.Qpos)]
		}
		r.SetVec(i, x-c.Target[i])
	}
	return r
}

func (c *StateQuadratic) Cost(m *physics.Model, s *physics.State) float64 {
	r := c.residual(s)
	return c.Scale * mat.Inner(r, c.Q, r)
}

func (c *StateQuadratic) Grad(m *physics.Model, s *physics.State) *physics.State {
	r := c.residual(s)
	var g mat.VecDense
	g.MulVec(c.Q, r)
	g.ScaleVec(2*c.Scale, &g)

	out := zeroLike(s)
	nq := len(s.Qpos)
	for i := 0; i < g.Len(); i++ {
		if i < nq {
			out.Qpos[i] = g.AtVec(i)
		} else {
			out.Qvel[i-nq] = g.AtVec(i)
		}
	}
	return out
}

// ControlQuadratic is u' R u on the state's control slot.
type ControlQuadratic struct {
	R *mat.SymDense
}

// NewControlQuadratic rejects an R that is not symmetric positive definite.
func NewControlQuadratic(r *mat.SymDense) (*ControlQuadratic, error) {
	if err := CheckPositiveDefinite(r); err != nil {
		return nil, err
	}
	return &ControlQuadratic{R: r}, nil
}

// CheckPositiveDefinite attempts a Cholesky factorization of r.
func CheckPositiveDefinite(r *mat.SymDense) error {
	if r == nil || r.SymmetricDim() == 0 {
		return fmt.Errorf("empty control weight: %w", dynamo.ErrNotPositiveDefinite)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(r); !ok {
		return fmt.Errorf("control weight of dim %d: %w", r.SymmetricDim(), dynamo.ErrNotPositiveDefinite)
	}
	return nil
}

func (c *ControlQuadratic) Cost(m *physics.Model, s *physics.State) float64 {
	u := mat.NewVecDense(len(s.Ctrl), append([]float64(nil), s.Ctrl...))
	return mat.Inner(u, c.R, u)
}

func (c *ControlQuadratic) Grad(m *physics.Model, s *physics.State) *physics.State {
	u := mat.NewVecDense(len(s.Ctrl), append([]float64(nil), s.Ctrl...))
	var g mat.VecDense
	g.MulVec(c.R, u)

	out := zeroLike(s)
	for i := range out.Ctrl {
		out.Ctrl[i] = 2 * g.AtVec(i)
	}
	return out
}

func zeroLike(s *physics.State) *physics.State {
	return &physics.State{
		Qpos:          make([]float64, len(s.Qpos)),
		Qvel:          make([]float64, len(s.Qvel)),
		Qacc:          make([]float64, len(s.Qacc)),
		Ctrl:          make([]float64, len(s.Ctrl)),
		ActuatorForce: make([]float64, len(s.ActuatorForce)),
		SensorData:    make([]float64, len(s.SensorData)),
	}
}
