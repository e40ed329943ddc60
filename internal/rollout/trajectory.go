package rollout

import "github.com/san-kum/diffsim/internal/physics"

// Trajectory is the immutable record of one rollout. States and Times have
// Horizon+1 entries, Controls has Horizon and Costs has Horizon running
// costs followed by the terminal cost.
type Trajectory struct {
	States       []*physics.State
	Controls     [][]float64
	Times        []float64
	Costs        []float64
	TerminalCost float64
	// Steps counts the physics steps taken before termination.
	Steps      int
	Terminated bool
}

func (t *Trajectory) Horizon() int {
	return len(t.Controls)
}

// Total is the summed running and terminal cost.
func (t *Trajectory) Total() float64 {
	sum := 0.0
	for _, c := range t.Costs {
		sum += c
	}
	return sum
}

func (t *Trajectory) Final() *physics.State {
	return t.States[len(t.States)-1]
}

type Batch struct {
	Trajectories []*Trajectory
	// Loss is the mean over the batch of each trajectory's Total.
	Loss float64
}

func (b *Batch) Totals() []float64 {
	out := make([]float64, len(b.Trajectories))
	for i, tr := range b.Trajectories {
		out[i] = tr.Total()
	}
	return out
}

func (b *Batch) Terminated() int {
	n := 0
	for _, tr := range b.Trajectories {
		if tr.Terminated {
			n++
		}
	}
	return n
}

func newBatch(trajs []*Trajectory) *Batch {
	b := &Batch{Trajectories: trajs}
	if len(trajs) > 0 {
		for _, tr := range trajs {
			b.Loss += tr.Total()
		}
		b.Loss /= float64(len(trajs))
	}
	return b
}
