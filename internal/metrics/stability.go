package metrics

import (
	"math"

	"github.com/san-kum/diffsim/internal/physics"
)

// Stability is the fraction of observed states whose qpos and qvel stay
// within threshold.
type Stability struct {
	name       string
	threshold  float64
	violations int
	samples    int
}

func NewStability(threshold float64) *Stability {
	return &Stability{
		name:      "stability",
		threshold: threshold,
	}
}

func (s *Stability) Name() string {
	return s.name
}

func (s *Stability) Observe(st *physics.State, u []float64) {
	s.samples++
	if outside(st.Qpos, s.threshold) || outside(st.Qvel, s.threshold) {
		s.violations++
	}
}

func outside(v []float64, threshold float64) bool {
	for _, val := range v {
		if math.IsNaN(val) || math.Abs(val) > threshold {
			return true
		}
	}
	return false
}

func (s *Stability) Value() float64 {
	if s.samples == 0 {
		return 1.0
	}
	return 1.0 - float64(s.violations)/float64(s.samples)
}

func (s *Stability) Reset() {
	s.violations = 0
	s.samples = 0
}
