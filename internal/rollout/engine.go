// Package rollout drives policies through the differentiable step over a
// fixed horizon for a batch of initial conditions, and runs the reverse
// pass that differentiates the batch loss.
package rollout

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/san-kum/diffsim/internal/adjoint"
	"github.com/san-kum/diffsim/internal/codec"
	"github.com/san-kum/diffsim/internal/cost"
	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/physics"
	"github.com/san-kum/diffsim/internal/policy"
	"github.com/san-kum/diffsim/internal/telemetry"
)

// Timing selects the state on which running and control costs are taken.
type Timing int

const (
	// PreStep evaluates costs after the control is written, before the step.
	PreStep Timing = iota
	// PostStep evaluates costs on the stepped state.
	PostStep
)

func ParseTiming(s string) (Timing, error) {
	switch s {
	case "", "pre_step":
		return PreStep, nil
	case "post_step":
		return PostStep, nil
	default:
		return PreStep, fmt.Errorf("cost timing %q: %w", s, dynamo.ErrUnknownField)
	}
}

type Config struct {
	Horizon int
	Timing  Timing
	// Workers bounds concurrent trajectories; <= 0 selects one per CPU.
	Workers int
	// Seed + b seeds the fork of a stochastic controller for element b.
	Seed int64
}

type Engine struct {
	physics physics.Engine
	op      adjoint.Operator
	costs   *cost.Policy
	layout  *codec.Layout
	gradIdx []int
	cfg     Config
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

type Option func(*Engine)

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithGradientIndices sets the flat indices on which costs without an
// analytic gradient are differentiated numerically. The default is qpos,
// qvel and ctrl.
func WithGradientIndices(idx []int) Option {
	return func(e *Engine) { e.gradIdx = idx }
}

func New(eng physics.Engine, op adjoint.Operator, costs *cost.Policy, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Horizon <= 0 {
		return nil, fmt.Errorf("horizon %d: %w", cfg.Horizon, dynamo.ErrParameterBounds)
	}
	if costs == nil {
		costs = &cost.Policy{}
	}
	e := &Engine{
		physics: eng,
		op:      op,
		costs:   costs,
		layout:  codec.NewLayout(eng.MakeState()),
		cfg:     cfg,
		log:     zerolog.Nop(),
	}
	for _, name := range []string{"qpos", "qvel", "ctrl"} {
		off, size, err := e.layout.FieldRange(name)
		if err != nil {
			return nil, err
		}
		for i := off; i < off+size; i++ {
			e.gradIdx = append(e.gradIdx, i)
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Layout() *codec.Layout {
	return e.layout
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) workers() int {
	if e.cfg.Workers > 0 {
		return e.cfg.Workers
	}
	return runtime.NumCPU()
}

func (e *Engine) controllerFor(ctrl policy.Controller, b int) policy.Controller {
	if f, ok := ctrl.(policy.Forker); ok {
		return f.Fork(e.cfg.Seed + int64(b))
	}
	return ctrl
}

// Rollout simulates every initial observation [qpos, qvel] for the
// configured horizon. Elements run concurrently and independently.
func (e *Engine) Rollout(ctx context.Context, inits [][]float64, ctrl policy.Controller) (*Batch, error) {
	start := time.Now()
	trajs := make([]*Trajectory, len(inits))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for b := range inits {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tr, err := e.run(b, inits[b], e.controllerFor(ctrl, b))
			if err != nil {
				return err
			}
			trajs[b] = tr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := newBatch(trajs)
	e.metrics.ObserveRollout(time.Since(start))
	e.log.Debug().
		Int("batch", len(inits)).
		Int("horizon", e.cfg.Horizon).
		Int("terminated", batch.Terminated()).
		Float64("loss", batch.Loss).
		Dur("elapsed", time.Since(start)).
		Msg("rollout complete")
	return batch, nil
}

func (e *Engine) run(b int, init []float64, ctrl policy.Controller) (*Trajectory, error) {
	m := e.physics.Model()
	h := e.cfg.Horizon

	s, err := e.layout.DecodeObservation(init)
	if err != nil {
		return nil, &dynamo.StepError{Trajectory: b, Step: 0, Wrapped: err}
	}

	tr := &Trajectory{
		States:   make([]*physics.State, h+1),
		Controls: make([][]float64, h),
		Times:    make([]float64, h+1),
		Costs:    make([]float64, h+1),
	}
	tr.States[0] = s
	tr.Times[0] = s.Time

	for k := 0; k < h; k++ {
		if !tr.Terminated && e.costs.IsTerminal(m, s) {
			tr.Terminated = true
			e.metrics.IncTerminations()
			e.log.Debug().Int("trajectory", b).Int("step", k).Float64("t", s.Time).Msg("trajectory terminated")
		}
		if tr.Terminated {
			tr.Controls[k] = make([]float64, m.Nu)
			tr.States[k+1] = s
			tr.Times[k+1] = s.Time
			continue
		}

		u, err := ctrl.Control(e.layout.EncodeObservation(s), s.Time, k)
		if err == nil {
			err = dynamo.CheckDim("control", len(u), m.Nu)
		}
		if err != nil {
			return nil, &dynamo.StepError{Trajectory: b, Step: k, Time: s.Time, Wrapped: err}
		}

		var c float64
		if e.cfg.Timing == PreStep {
			c = e.stepCost(m, s.WithCtrl(u))
		}
		next, err := e.op.Forward(s, u)
		if err != nil {
			return nil, &dynamo.StepError{Trajectory: b, Step: k, Time: s.Time, Wrapped: err}
		}
		if e.cfg.Timing == PostStep {
			c = e.stepCost(m, next)
		}

		tr.Controls[k] = u
		tr.States[k+1] = next
		tr.Times[k+1] = next.Time
		tr.Costs[k] = c
		tr.Steps++
		s = next
	}

	tr.TerminalCost = e.costs.TerminalCost(m, s)
	tr.Costs[h] = tr.TerminalCost
	return tr, nil
}

func (e *Engine) stepCost(m *physics.Model, s *physics.State) float64 {
	return m.Timestep * (e.costs.RunCost(m, s) + e.costs.ControlCost(m, s))
}
