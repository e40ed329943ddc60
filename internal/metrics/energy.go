package metrics

import (
	"math"

	"github.com/san-kum/diffsim/internal/physics"
)

// EnergyFunc reports the energy of a state; ok is false for systems that
// define none. physics.ODEEngine.Energy satisfies it.
type EnergyFunc func(s *physics.State) (e float64, ok bool)

// Energy is the mean energy over the observed states.
type Energy struct {
	name    string
	energy  EnergyFunc
	total   float64
	samples int
}

func NewEnergy(energy EnergyFunc) *Energy {
	return &Energy{name: "energy", energy: energy}
}

func (e *Energy) Name() string { return e.name }

func (e *Energy) Observe(s *physics.State, u []float64) {
	v, ok := e.energy(s)
	if !ok {
		return
	}
	e.total += v
	e.samples++
}

func (e *Energy) Value() float64 {
	if e.samples == 0 {
		return 0
	}
	return e.total / float64(e.samples)
}

func (e *Energy) Reset() {
	e.total = 0
	e.samples = 0
}

// EnergyDrift is the largest relative deviation from the first observed
// energy. A zero initial energy reports absolute drift instead.
type EnergyDrift struct {
	name     string
	energy   EnergyFunc
	initial  float64
	maxDrift float64
	samples  int
}

func NewEnergyDrift(energy EnergyFunc) *EnergyDrift {
	return &EnergyDrift{
		name:   "energy_drift",
		energy: energy,
	}
}

func (e *EnergyDrift) Name() string { return e.name }

func (e *EnergyDrift) Observe(s *physics.State, u []float64) {
	v, ok := e.energy(s)
	if !ok {
		return
	}
	if e.samples == 0 {
		e.initial = v
	}
	e.samples++

	drift := math.Abs(v - e.initial)
	if e.initial != 0 {
		drift /= math.Abs(e.initial)
	}
	e.maxDrift = math.Max(e.maxDrift, drift)
}

func (e *EnergyDrift) Value() float64 {
	return e.maxDrift
}

func (e *EnergyDrift) Reset() {
	e.initial = 0
	e.maxDrift = 0
	e.samples = 0
}
