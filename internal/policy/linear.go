package policy

import (
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/diffsim/internal/dynamo"
)

// Linear is state feedback u = -K (obs - target). K is the parameter
// vector, row-major.
type Linear struct {
	k      *mat.Dense
	target []float64
}

// NewLinear builds the controller from gain rows. A nil target is the origin.
func NewLinear(k [][]float64, target []float64) (*Linear, error) {
	if len(k) == 0 {
		return nil, dynamo.CheckDim("gain rows", 0, 1)
	}
	cols := len(k[0])
	data := make([]float64, 0, len(k)*cols)
	for _, row := range k {
		if err := dynamo.CheckDim("gain row", len(row), cols); err != nil {
			return nil, err
		}
		data = append(data, row...)
	}
	return newLinear(len(k), cols, data, target)
}

func newLinear(rows, cols int, data, target []float64) (*Linear, error) {
	if target == nil {
		target = make([]float64, cols)
	}
	if err := dynamo.CheckDim("feedback target", len(target), cols); err != nil {
		return nil, err
	}
	return &Linear{
		k:      mat.NewDense(rows, cols, append([]float64(nil), data...)),
		target: append([]float64(nil), target...),
	}, nil
}

// NewPendulumLinear is a hand-tuned gain around the hanging equilibrium.
func NewPendulumLinear() *Linear {
	l, _ := NewLinear([][]float64{{31.62, 10.0}}, nil)
	return l
}

func (l *Linear) deviation(obs []float64) (*mat.VecDense, error) {
	_, cols := l.k.Dims()
	if err := dynamo.CheckDim("observation", len(obs), cols); err != nil {
		return nil, err
	}
	e := mat.NewVecDense(cols, nil)
	for j := range obs {
		e.SetVec(j, obs[j]-l.target[j])
	}
	return e, nil
}

func (l *Linear) Control(obs []float64, t float64, k int) ([]float64, error) {
	e, err := l.deviation(obs)
	if err != nil {
		return nil, err
	}
	rows, _ := l.k.Dims()
	var u mat.VecDense
	u.MulVec(l.k, e)
	out := make([]float64, rows)
	for i := range out {
		out[i] = -u.AtVec(i)
	}
	return out, nil
}

func (l *Linear) Params() []float64 {
	return append([]float64(nil), l.k.RawMatrix().Data...)
}

func (l *Linear) WithParams(p []float64) (Differentiable, error) {
	rows, cols := l.k.Dims()
	if err := checkParams(len(p), rows*cols); err != nil {
		return nil, err
	}
	return newLinear(rows, cols, p, l.target)
}

func (l *Linear) Backward(obs []float64, t float64, k int, gu []float64) ([]float64, []float64, error) {
	e, err := l.deviation(obs)
	if err != nil {
		return nil, nil, err
	}
	rows, cols := l.k.Dims()
	if err := dynamo.CheckDim("control gradient", len(gu), rows); err != nil {
		return nil, nil, err
	}
	g := mat.NewVecDense(rows, append([]float64(nil), gu...))

	// dK = -gu e', dobs = -K' gu
	var gk mat.Dense
	gk.Outer(-1, g, e)
	var gobs mat.VecDense
	gobs.MulVec(l.k.T(), g)

	gObs := make([]float64, cols)
	for j := range gObs {
		gObs[j] = -gobs.AtVec(j)
	}
	return append([]float64(nil), gk.RawMatrix().Data...), gObs, nil
}
