package rollout

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/san-kum/diffsim/internal/cost"
	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/physics"
	"github.com/san-kum/diffsim/internal/policy"
)

const costGradEpsilon = 1e-6

// Readout is the sensitivity of a scalar function of one trajectory to
// what the trajectory recorded. Costs[k] weights Trajectory.Costs[k]. Obs[k],
// when non-nil, is the gradient with respect to the observation of
// States[k]; a nil Obs adds nothing.
type Readout struct {
	Costs []float64
	Obs   [][]float64
}

// ReadoutFunc is called once per trajectory after its forward pass.
type ReadoutFunc func(b int, tr *Trajectory) (*Readout, error)

func (r *Readout) check(tr *Trajectory, nObs int) error {
	if r == nil {
		return nil
	}
	if err := dynamo.CheckDim("readout costs", len(r.Costs), len(tr.Costs)); err != nil {
		return err
	}
	if r.Obs == nil {
		return nil
	}
	if err := dynamo.CheckDim("readout observations", len(r.Obs), len(tr.States)); err != nil {
		return err
	}
	for _, g := range r.Obs {
		if g == nil {
			continue
		}
		if err := dynamo.CheckDim("readout observation", len(g), nObs); err != nil {
			return err
		}
	}
	return nil
}

// weight is 1 for a nil readout, which differentiates Trajectory.Total.
func (r *Readout) weight(k int) float64 {
	if r == nil {
		return 1
	}
	return r.Costs[k]
}

func (r *Readout) inject(lam []float64, k int, obsIdx []int) {
	if r == nil || r.Obs == nil || r.Obs[k] == nil {
		return
	}
	for i, idx := range obsIdx {
		lam[idx] += r.Obs[k][i]
	}
}

// Gradient rolls out pol and returns the gradient of Batch.Loss with
// respect to pol.Params().
func (e *Engine) Gradient(ctx context.Context, inits [][]float64, pol policy.Differentiable) (*Batch, []float64, error) {
	return e.GradientOf(ctx, inits, pol, nil)
}

// GradientOf rolls out pol and returns the batch mean of the parameter
// gradient of the per-trajectory function described by readout. A nil
// readout is Gradient. The returned Batch still reports the cost loss.
func (e *Engine) GradientOf(ctx context.Context, inits [][]float64, pol policy.Differentiable, readout ReadoutFunc) (*Batch, []float64, error) {
	start := time.Now()
	nParams := len(pol.Params())
	trajs := make([]*Trajectory, len(inits))
	grads := make([][]float64, len(inits))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for b := range inits {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tr, err := e.run(b, inits[b], e.controllerFor(pol, b))
			if err != nil {
				return err
			}
			var ro *Readout
			if readout != nil {
				if ro, err = readout(b, tr); err != nil {
					return err
				}
				if err := ro.check(tr, len(e.layout.ObservationIndices())); err != nil {
					return &dynamo.StepError{Trajectory: b, Step: tr.Steps, Time: tr.Times[tr.Steps], Wrapped: err}
				}
			}
			gp, err := e.backward(b, tr, pol, nParams, ro)
			if err != nil {
				return err
			}
			trajs[b] = tr
			grads[b] = gp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	batch := newBatch(trajs)
	grad := make([]float64, nParams)
	if len(grads) > 0 {
		scale := 1.0 / float64(len(grads))
		for _, gp := range grads {
			dynamo.Vec(grad).AddScaled(scale, gp)
		}
	}

	e.log.Debug().
		Int("batch", len(inits)).
		Float64("loss", batch.Loss).
		Float64("grad_norm", dynamo.Vec(grad).Norm()).
		Dur("elapsed", time.Since(start)).
		Msg("gradient complete")
	return batch, grad, nil
}

// backward is backpropagation through time over the active steps of tr.
// lam holds the flat gradient of the read-out trajectory function with
// respect to the state currently being visited.
func (e *Engine) backward(b int, tr *Trajectory, pol policy.Differentiable, nParams int, ro *Readout) ([]float64, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveBackward(time.Since(start)) }()

	m := e.physics.Model()
	dt := m.Timestep
	obsIdx := e.layout.ObservationIndices()
	ctrlOff, _, err := e.layout.FieldRange("ctrl")
	if err != nil {
		return nil, err
	}

	h := len(tr.Costs) - 1
	lam, err := e.costGrad(e.costs.Terminal, m, tr.States[tr.Steps], ro.weight(h))
	if err != nil {
		return nil, &dynamo.StepError{Trajectory: b, Step: tr.Steps, Time: tr.Times[tr.Steps], Wrapped: err}
	}
	// frozen states are the state at Steps
	for k := tr.Steps; k <= h; k++ {
		ro.inject(lam, k, obsIdx)
	}
	gParams := make([]float64, nParams)

	for k := tr.Steps - 1; k >= 0; k-- {
		s, u, out := tr.States[k], tr.Controls[k], tr.States[k+1]
		fail := func(err error) error {
			return &dynamo.StepError{Trajectory: b, Step: k, Time: s.Time, Wrapped: err}
		}

		if e.cfg.Timing == PostStep {
			cg, err := e.stepCostGrad(m, out, dt*ro.weight(k))
			if err != nil {
				return nil, fail(err)
			}
			dynamo.Vec(lam).AddScaled(1, cg)
		}

		grad, err := e.op.Backward(s, u, out, lam)
		if err != nil {
			return nil, fail(err)
		}
		gu := append([]float64(nil), grad.Control...)
		gx := append([]float64(nil), grad.Flat...)

		if e.cfg.Timing == PreStep {
			cg, err := e.stepCostGrad(m, s.WithCtrl(u), dt*ro.weight(k))
			if err != nil {
				return nil, fail(err)
			}
			// the control slot of s is overwritten by u
			for i := range gu {
				gu[i] += cg[ctrlOff+i]
				cg[ctrlOff+i] = 0
			}
			dynamo.Vec(gx).AddScaled(1, cg)
		}

		obs := e.layout.EncodeObservation(s)
		gp, gobs, err := pol.Backward(obs, s.Time, k, gu)
		if err != nil {
			return nil, fail(err)
		}
		if err := dynamo.CheckDim("policy gradient", len(gp), nParams); err != nil {
			return nil, fail(err)
		}
		dynamo.Vec(gParams).AddScaled(1, gp)
		for i, idx := range obsIdx {
			gx[idx] += gobs[i]
		}
		ro.inject(gx, k, obsIdx)
		lam = gx
	}
	return gParams, nil
}

func (e *Engine) stepCostGrad(m *physics.Model, s *physics.State, dt float64) ([]float64, error) {
	run, err := e.costGrad(e.costs.Run, m, s, dt)
	if err != nil {
		return nil, err
	}
	ctl, err := e.costGrad(e.costs.Control, m, s, dt)
	if err != nil {
		return nil, err
	}
	dynamo.Vec(run).AddScaled(1, ctl)
	return run, nil
}

// costGrad returns scale * dc/ds flattened. Costs without an analytic
// gradient are differentiated by central differences on the gradient
// indices only.
func (e *Engine) costGrad(c cost.StateCost, m *physics.Model, s *physics.State, scale float64) ([]float64, error) {
	out := make([]float64, e.layout.Dim())
	if c == nil {
		return out, nil
	}
	if g, ok := c.(cost.Gradienter); ok {
		flat, err := e.layout.Flatten(g.Grad(m, s))
		if err != nil {
			return nil, fmt.Errorf("cost gradient: %w", err)
		}
		dynamo.Vec(out).AddScaled(scale, flat)
		return out, nil
	}

	base, err := e.layout.Flatten(s)
	if err != nil {
		return nil, err
	}
	for _, idx := range e.gradIdx {
		x := append([]float64(nil), base...)
		x[idx] = base[idx] + costGradEpsilon
		plus, err := e.layout.Unflatten(x)
		if err != nil {
			return nil, err
		}
		x[idx] = base[idx] - costGradEpsilon
		minus, err := e.layout.Unflatten(x)
		if err != nil {
			return nil, err
		}
		out[idx] = scale * (c.Cost(m, plus) - c.Cost(m, minus)) / (2 * costGradEpsilon)
	}
	return out, nil
}
