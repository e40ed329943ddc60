package cost

import (
	"math"

	"github.com/san-kum/diffsim/internal/physics"
)

// Bounds terminates a trajectory that leaves a box, runs past a time limit
// or goes non-finite. Zero limits are disabled.
type Bounds struct {
	MaxQpos     float64
	MaxQvel     float64
	TimeLimit   float64
	CheckFinite bool
}

func (b Bounds) IsTerminal(m *physics.Model, s *physics.State) bool {
	if b.CheckFinite && !(finite(s.Qpos) && finite(s.Qvel)) {
		return true
	}
	if b.MaxQpos > 0 && exceeds(s.Qpos, b.MaxQpos) {
		return true
	}
	if b.MaxQvel > 0 && exceeds(s.Qvel, b.MaxQvel) {
		return true
	}
	return b.TimeLimit > 0 && s.Time >= b.TimeLimit
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func exceeds(v []float64, limit float64) bool {
	for _, x := range v {
		if math.Abs(x) > limit {
			return true
		}
	}
	return false
}
