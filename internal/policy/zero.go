package policy

type Zero struct {
	dim int
}

func NewZero(dim int) *Zero {
	return &Zero{dim: dim}
}

func (z *Zero) Control(obs []float64, t float64, k int) ([]float64, error) {
	return make([]float64, z.dim), nil
}

func (z *Zero) Params() []float64 {
	return nil
}

func (z *Zero) WithParams(p []float64) (Differentiable, error) {
	if err := checkParams(len(p), 0); err != nil {
		return nil, err
	}
	return z, nil
}

func (z *Zero) Backward(obs []float64, t float64, k int, gu []float64) ([]float64, []float64, error) {
	return nil, make([]float64, len(obs)), nil
}
