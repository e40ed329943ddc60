package policy

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/diffsim/internal/dynamo"
)

type MLPConfig struct {
	Inputs     int
	Outputs    int
	Hidden     []int
	Activation string // "tanh" (default) or "relu"
	// IncludeTime appends t to the observation.
	IncludeTime bool
	// OutputScale > 0 squashes outputs to scale*tanh(z).
	OutputScale float64
	Seed        int64
}

// MLP is a fully connected network. Parameters are laid out layer by layer
// as W (out x in, row-major) followed by b.
type MLP struct {
	cfg    MLPConfig
	sizes  []int
	params []float64
}

// NewMLP initializes weights with Glorot-uniform draws from cfg.Seed and
// zero biases.
func NewMLP(cfg MLPConfig) (*MLP, error) {
	if cfg.Inputs <= 0 || cfg.Outputs <= 0 {
		return nil, fmt.Errorf("mlp %dx%d: %w", cfg.Inputs, cfg.Outputs, dynamo.ErrParameterBounds)
	}
	switch cfg.Activation {
	case "":
		cfg.Activation = "tanh"
	case "tanh", "relu":
	default:
		return nil, fmt.Errorf("activation %q: %w", cfg.Activation, dynamo.ErrUnknownField)
	}

	in := cfg.Inputs
	if cfg.IncludeTime {
		in++
	}
	sizes := append([]int{in}, cfg.Hidden...)
	sizes = append(sizes, cfg.Outputs)
	for _, n := range sizes {
		if n <= 0 {
			return nil, fmt.Errorf("layer size %d: %w", n, dynamo.ErrParameterBounds)
		}
	}

	m := &MLP{cfg: cfg, sizes: sizes}
	m.params = make([]float64, m.numParams())
	rng := rand.New(rand.NewSource(cfg.Seed))
	off := 0
	for l := 0; l < len(sizes)-1; l++ {
		fanIn, fanOut := sizes[l], sizes[l+1]
		limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
		for i := 0; i < fanIn*fanOut; i++ {
			m.params[off+i] = (2*rng.Float64() - 1) * limit
		}
		off += fanIn*fanOut + fanOut
	}
	return m, nil
}

func (m *MLP) numParams() int {
	n := 0
	for l := 0; l < len(m.sizes)-1; l++ {
		n += m.sizes[l]*m.sizes[l+1] + m.sizes[l+1]
	}
	return n
}

// layer returns views into the parameter vector.
func (m *MLP) layer(params []float64, l int) (*mat.Dense, *mat.VecDense) {
	off := 0
	for i := 0; i < l; i++ {
		off += m.sizes[i]*m.sizes[i+1] + m.sizes[i+1]
	}
	in, out := m.sizes[l], m.sizes[l+1]
	w := mat.NewDense(out, in, params[off:off+out*in])
	b := mat.NewVecDense(out, params[off+out*in:off+out*in+out])
	return w, b
}

func (m *MLP) input(obs []float64, t float64) (*mat.VecDense, error) {
	if err := dynamo.CheckDim("observation", len(obs), m.cfg.Inputs); err != nil {
		return nil, err
	}
	x := make([]float64, m.sizes[0])
	copy(x, obs)
	if m.cfg.IncludeTime {
		x[len(obs)] = t
	}
	return mat.NewVecDense(len(x), x), nil
}

// forward returns the layer inputs and pre-activations.
func (m *MLP) forward(x *mat.VecDense) (acts, pre []*mat.VecDense) {
	a := x
	for l := 0; l < len(m.sizes)-1; l++ {
		w, b := m.layer(m.params, l)
		z := mat.NewVecDense(m.sizes[l+1], nil)
		z.MulVec(w, a)
		z.AddVec(z, b)
		acts = append(acts, a)
		pre = append(pre, z)
		if l < len(m.sizes)-2 {
			next := mat.NewVecDense(z.Len(), nil)
			for i := 0; i < z.Len(); i++ {
				next.SetVec(i, m.activate(z.AtVec(i)))
			}
			a = next
		}
	}
	return acts, pre
}

func (m *MLP) activate(z float64) float64 {
	if m.cfg.Activation == "relu" {
		return math.Max(0, z)
	}
	return math.Tanh(z)
}

func (m *MLP) activateGrad(z float64) float64 {
	if m.cfg.Activation == "relu" {
		if z > 0 {
			return 1
		}
		return 0
	}
	th := math.Tanh(z)
	return 1 - th*th
}

func (m *MLP) Control(obs []float64, t float64, k int) ([]float64, error) {
	x, err := m.input(obs, t)
	if err != nil {
		return nil, err
	}
	_, pre := m.forward(x)
	z := pre[len(pre)-1]
	u := make([]float64, z.Len())
	for i := range u {
		u[i] = z.AtVec(i)
		if m.cfg.OutputScale > 0 {
			u[i] = m.cfg.OutputScale * math.Tanh(u[i])
		}
	}
	return u, nil
}

func (m *MLP) Params() []float64 {
	return append([]float64(nil), m.params...)
}

func (m *MLP) WithParams(p []float64) (Differentiable, error) {
	if err := checkParams(len(p), len(m.params)); err != nil {
		return nil, err
	}
	return &MLP{cfg: m.cfg, sizes: m.sizes, params: append([]float64(nil), p...)}, nil
}

func (m *MLP) Backward(obs []float64, t float64, k int, gu []float64) ([]float64, []float64, error) {
	x, err := m.input(obs, t)
	if err != nil {
		return nil, nil, err
	}
	if err := dynamo.CheckDim("control gradient", len(gu), m.cfg.Outputs); err != nil {
		return nil, nil, err
	}
	acts, pre := m.forward(x)

	last := len(pre) - 1
	delta := mat.NewVecDense(len(gu), append([]float64(nil), gu...))
	if s := m.cfg.OutputScale; s > 0 {
		for i := 0; i < delta.Len(); i++ {
			th := math.Tanh(pre[last].AtVec(i))
			delta.SetVec(i, delta.AtVec(i)*s*(1-th*th))
		}
	}

	grad := make([]float64, len(m.params))
	for l := last; l >= 0; l-- {
		gw, gb := m.layer(grad, l)
		gw.Outer(1, delta, acts[l])
		gb.CopyVec(delta)

		w, _ := m.layer(m.params, l)
		prev := mat.NewVecDense(m.sizes[l], nil)
		prev.MulVec(w.T(), delta)
		if l > 0 {
			for i := 0; i < prev.Len(); i++ {
				prev.SetVec(i, prev.AtVec(i)*m.activateGrad(pre[l-1].AtVec(i)))
			}
		}
		delta = prev
	}

	gObs := make([]float64, m.cfg.Inputs)
	for i := range gObs {
		gObs[i] = delta.AtVec(i)
	}
	return grad, gObs, nil
}
