package metrics

import (
	"math"

	"github.com/san-kum/diffsim/internal/physics"
)

// ControlEffort is the time average of ||u||_1: each control is held from
// the state it was applied at until the next observed state. With no
// elapsed time it falls back to the plain mean over controls.
type ControlEffort struct {
	pending  []float64
	since    float64
	integral float64
	duration float64
	sum      float64
	samples  int
}

func NewControlEffort() *ControlEffort {
	return &ControlEffort{}
}

func (c *ControlEffort) Name() string { return "control_effort" }

func (c *ControlEffort) Observe(s *physics.State, u []float64) {
	if c.pending != nil {
		held := s.Time - c.since
		c.integral += held * l1(c.pending)
		c.duration += held
	}
	c.pending, c.since = nil, s.Time
	if u == nil {
		return
	}
	c.pending = u
	c.sum += l1(u)
	c.samples++
}

func l1(u []float64) float64 {
	n := 0.0
	for _, v := range u {
		n += math.Abs(v)
	}
	return n
}

func (c *ControlEffort) Value() float64 {
	if c.duration > 0 {
		return c.integral / c.duration
	}
	if c.samples == 0 {
		return 0
	}
	return c.sum / float64(c.samples)
}

func (c *ControlEffort) Reset() {
	*c = ControlEffort{}
}
