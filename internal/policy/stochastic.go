package policy

import (
	"math/rand"
)

// Stochastic adds N(0, Std^2) noise to every control of Base. The noise
// does not depend on the parameters, so gradients pass straight through.
// A Stochastic value is not safe for concurrent use; Fork one per goroutine.
type Stochastic struct {
	Base Differentiable
	Std  float64
	rng  *rand.Rand
}

func NewStochastic(base Differentiable, std float64, seed int64) *Stochastic {
	return &Stochastic{Base: base, Std: std, rng: rand.New(rand.NewSource(seed))}
}

func (s *Stochastic) Fork(seed int64) Controller {
	return NewStochastic(s.Base, s.Std, seed)
}

func (s *Stochastic) Control(obs []float64, t float64, k int) ([]float64, error) {
	u, err := s.Base.Control(obs, t, k)
	if err != nil {
		return nil, err
	}
	for i := range u {
		u[i] += s.Std * s.rng.NormFloat64()
	}
	return u, nil
}

func (s *Stochastic) Params() []float64 {
	return s.Base.Params()
}

// WithParams keeps the noise stream of s.
func (s *Stochastic) WithParams(p []float64) (Differentiable, error) {
	base, err := s.Base.WithParams(p)
	if err != nil {
		return nil, err
	}
	return &Stochastic{Base: base, Std: s.Std, rng: s.rng}, nil
}

func (s *Stochastic) Backward(obs []float64, t float64, k int, gu []float64) ([]float64, []float64, error) {
	return s.Base.Backward(obs, t, k, gu)
}
