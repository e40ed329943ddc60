package policy

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/diffsim/internal/dynamo"
)

const (
	hjbEpsilon = 1e-5
	// exact for control-affine systems
	jacobianStep = 1e-3
)

// HJB acts greedily on a learned value function. For a control-affine
// system x' = f(x) + G(x) u with control cost u'Ru the minimizer of the
// Hamiltonian is
//
//	u = -1/2 R^-1 G(x)' dV/dx
//
// G is the control Jacobian of the system, taken by central differences
// at u = 0. The parameters are those of V.
type HJB struct {
	value *MLP
	sys   dynamo.System
	r     *mat.Cholesky
}

// NewHJB requires a scalar, unsquashed value network over the system state.
func NewHJB(value *MLP, sys dynamo.System, r *mat.SymDense) (*HJB, error) {
	if err := dynamo.CheckDim("value outputs", value.cfg.Outputs, 1); err != nil {
		return nil, err
	}
	if err := dynamo.CheckDim("value inputs", value.cfg.Inputs, sys.StateDim()); err != nil {
		return nil, err
	}
	if value.cfg.OutputScale != 0 {
		return nil, fmt.Errorf("value output scale %g: %w", value.cfg.OutputScale, dynamo.ErrParameterBounds)
	}
	if r == nil {
		return nil, fmt.Errorf("hjb without control weight: %w", dynamo.ErrNotPositiveDefinite)
	}
	if err := dynamo.CheckDim("control weight", r.SymmetricDim(), sys.ControlDim()); err != nil {
		return nil, err
	}
	var chol mat.Cholesky
	if !chol.Factorize(r) {
		return nil, fmt.Errorf("control weight: %w", dynamo.ErrNotPositiveDefinite)
	}
	return &HJB{value: value, sys: sys, r: &chol}, nil
}

func (h *HJB) Value(obs []float64, t float64) (float64, error) {
	v, err := h.value.Control(obs, t, 0)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (h *HJB) ValueGrad(obs []float64, t float64) ([]float64, []float64, error) {
	return h.value.Backward(obs, t, 0, []float64{1})
}

// inputJacobian is df/du at (x, 0), n x nu.
func (h *HJB) inputJacobian(x []float64, t float64) *mat.Dense {
	n, nu := h.sys.StateDim(), h.sys.ControlDim()
	g := mat.NewDense(n, nu, nil)
	u := make(dynamo.Vec, nu)
	for j := 0; j < nu; j++ {
		u[j] = jacobianStep
		plus := h.sys.Derive(x, u, t)
		u[j] = -jacobianStep
		minus := h.sys.Derive(x, u, t)
		u[j] = 0
		for i := 0; i < n; i++ {
			g.Set(i, j, (plus[i]-minus[i])/(2*jacobianStep))
		}
	}
	return g
}

func (h *HJB) Control(obs []float64, t float64, k int) ([]float64, error) {
	_, dv, err := h.ValueGrad(obs, t)
	if err != nil {
		return nil, err
	}
	g := h.inputJacobian(obs, t)

	var gtv, u mat.VecDense
	gtv.MulVec(g.T(), mat.NewVecDense(len(dv), dv))
	if err := h.r.SolveVecTo(&u, &gtv); err != nil {
		return nil, err
	}
	out := make([]float64, u.Len())
	for i := range out {
		out[i] = -0.5 * u.AtVec(i)
	}
	return out, nil
}

func (h *HJB) Params() []float64 {
	return h.value.Params()
}

func (h *HJB) WithParams(p []float64) (Differentiable, error) {
	next, err := h.value.WithParams(p)
	if err != nil {
		return nil, err
	}
	return &HJB{value: next.(*MLP), sys: h.sys, r: h.r}, nil
}

// Backward uses dot(gu, u) = dot(w, dV/dx) with w = -1/2 G R^-1 gu, so the
// parameter gradient is the derivative of dV/dparams along w. The
// observation gradient also carries the state dependence of G and is taken
// by central differences of the control.
func (h *HJB) Backward(obs []float64, t float64, k int, gu []float64) ([]float64, []float64, error) {
	if err := dynamo.CheckDim("control gradient", len(gu), h.sys.ControlDim()); err != nil {
		return nil, nil, err
	}
	if err := dynamo.CheckDim("observation", len(obs), h.sys.StateDim()); err != nil {
		return nil, nil, err
	}

	var y, w mat.VecDense
	if err := h.r.SolveVecTo(&y, mat.NewVecDense(len(gu), append([]float64(nil), gu...))); err != nil {
		return nil, nil, err
	}
	w.MulVec(h.inputJacobian(obs, t), &y)
	w.ScaleVec(-0.5, &w)

	gParams := make([]float64, len(h.value.params))
	if norm := mat.Norm(&w, 2); norm > 0 {
		shift := func(sign float64) []float64 {
			x := make([]float64, len(obs))
			for i := range x {
				x[i] = obs[i] + sign*hjbEpsilon*w.AtVec(i)/norm
			}
			return x
		}
		plus, _, err := h.ValueGrad(shift(1), t)
		if err != nil {
			return nil, nil, err
		}
		minus, _, err := h.ValueGrad(shift(-1), t)
		if err != nil {
			return nil, nil, err
		}
		for i := range gParams {
			gParams[i] = norm * (plus[i] - minus[i]) / (2 * hjbEpsilon)
		}
	}

	gObs := make([]float64, len(obs))
	x := append([]float64(nil), obs...)
	for i := range x {
		x[i] = obs[i] + hjbEpsilon
		up, err := h.Control(x, t, k)
		if err != nil {
			return nil, nil, err
		}
		x[i] = obs[i] - hjbEpsilon
		um, err := h.Control(x, t, k)
		if err != nil {
			return nil, nil, err
		}
		x[i] = obs[i]
		for j := range gu {
			gObs[i] += gu[j] * (up[j] - um[j]) / (2 * hjbEpsilon)
		}
	}
	return gParams, gObs, nil
}
