// Package metrics summarizes finished trajectories: control effort,
// stability and energy drift.
package metrics

import (
	"github.com/san-kum/diffsim/internal/physics"
	"github.com/san-kum/diffsim/internal/rollout"
)

type Metric interface {
	Name() string
	// Observe sees the state entering step k and the control applied there.
	// The final state is observed with a nil control.
	Observe(s *physics.State, u []float64)
	Value() float64
	Reset()
}

// Evaluate resets ms, feeds them the active part of tr and returns their
// values by name. Frozen steps after termination are skipped.
func Evaluate(tr *rollout.Trajectory, ms ...Metric) map[string]float64 {
	out := make(map[string]float64, len(ms))
	for _, m := range ms {
		m.Reset()
		for k := 0; k < tr.Steps; k++ {
			m.Observe(tr.States[k], tr.Controls[k])
		}
		m.Observe(tr.States[tr.Steps], nil)
		out[m.Name()] = m.Value()
	}
	return out
}

// Summarize averages Evaluate over the batch. newMetrics is called once per
// trajectory so metric state never leaks between elements.
func Summarize(b *rollout.Batch, newMetrics func() []Metric) map[string]float64 {
	out := make(map[string]float64)
	if len(b.Trajectories) == 0 {
		return out
	}
	for _, tr := range b.Trajectories {
		for name, v := range Evaluate(tr, newMetrics()...) {
			out[name] += v
		}
	}
	for name := range out {
		out[name] /= float64(len(b.Trajectories))
	}
	return out
}

// Defaults is the metric set reported by the CLI.
func Defaults(energy EnergyFunc, threshold float64) func() []Metric {
	return func() []Metric {
		ms := []Metric{NewControlEffort(), NewStability(threshold)}
		if energy != nil {
			ms = append(ms, NewEnergyDrift(energy))
		}
		return ms
	}
}
