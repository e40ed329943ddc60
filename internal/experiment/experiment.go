// Package experiment turns a validated config into a wired training setup:
// physics engine, adjoint operator, rollout engine, costs, policy and loss.
package experiment

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/san-kum/diffsim/internal/adjoint"
	"github.com/san-kum/diffsim/internal/config"
	"github.com/san-kum/diffsim/internal/cost"
	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/loss"
	"github.com/san-kum/diffsim/internal/optim"
	"github.com/san-kum/diffsim/internal/physics"
	"github.com/san-kum/diffsim/internal/policy"
	"github.com/san-kum/diffsim/internal/rollout"
	"github.com/san-kum/diffsim/internal/telemetry"
)

type Setup struct {
	Config    *config.Config
	Engine    *physics.ODEEngine
	Adjoint   *adjoint.FiniteDifference
	Rollout   *rollout.Engine
	Costs     *cost.Policy
	Policy    policy.Differentiable
	Inits     [][]float64
	Objective *loss.Objective
	// TD is set when the run trains on the temporal-difference loss.
	TD   *loss.TD
	Rule optim.UpdateRule

	log     zerolog.Logger
	metrics *telemetry.Metrics
}

type Option func(*buildOptions)

type buildOptions struct {
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *buildOptions) { o.log = log }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *buildOptions) { o.metrics = m }
}

// Build wires every component named by cfg. A model file, when given,
// supplies the system, integrator and timestep in place of the named model.
func (r *Registry) Build(cfg *config.Config, opts ...Option) (*Setup, error) {
	bo := buildOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&bo)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng, err := r.engine(cfg)
	if err != nil {
		return nil, err
	}
	m := eng.Model()

	costs, err := buildCosts(cfg, m)
	if err != nil {
		return nil, err
	}

	ref := eng.MakeState()
	cache, err := r.caches.ForShape(ref, make([]float64, m.Nu), cfg.TargetFields, cfg.Epsilon)
	if err != nil {
		return nil, err
	}
	fd := adjoint.NewFiniteDifference(eng, cache,
		adjoint.WithWorkers(cfg.Workers),
		adjoint.WithLogger(telemetry.Component(bo.log, "adjoint")),
		adjoint.WithMetrics(bo.metrics),
	)

	timing, err := rollout.ParseTiming(cfg.CostTiming)
	if err != nil {
		return nil, err
	}
	ro, err := rollout.New(eng, fd, costs, rollout.Config{
		Horizon: cfg.Horizon,
		Timing:  timing,
		Workers: cfg.Workers,
		Seed:    cfg.Seed,
	},
		rollout.WithLogger(telemetry.Component(bo.log, "rollout")),
		rollout.WithMetrics(bo.metrics),
	)
	if err != nil {
		return nil, err
	}

	weight, err := cfg.ControlWeight()
	if err != nil {
		return nil, err
	}
	pol, err := r.GetPolicy(PolicyContext{
		Model:         m,
		System:        eng.System(),
		Policy:        cfg.Policy,
		Horizon:       cfg.Horizon,
		Seed:          cfg.Seed,
		Target:        cfg.Cost.Target,
		ControlWeight: weight,
	})
	if err != nil {
		return nil, err
	}

	if err := dynamo.CheckDim("init bounds", len(cfg.Init.Low), m.Nq+m.Nv); err != nil {
		return nil, err
	}
	inits, err := SampleInits(cfg.Init.Low, cfg.Init.High, cfg.Batch, cfg.Seed)
	if err != nil {
		return nil, err
	}
	obj, err := loss.New(ro, pol, inits, cfg.Samples)
	if err != nil {
		return nil, err
	}
	var td *loss.TD
	if cfg.Loss == "td" {
		v, ok := pol.(policy.Valuer)
		if !ok {
			return nil, fmt.Errorf("td loss with %s policy: %w", cfg.Policy.Kind, dynamo.ErrUnknownField)
		}
		if td, err = loss.NewTD(ro, v, inits, cfg.Samples); err != nil {
			return nil, err
		}
	}

	rule, err := r.GetOptimizer(cfg.Optimizer, cfg.LR)
	if err != nil {
		return nil, err
	}

	return &Setup{
		Config:    cfg,
		Engine:    eng,
		Adjoint:   fd,
		Rollout:   ro,
		Costs:     costs,
		Policy:    pol,
		Inits:     inits,
		Objective: obj,
		TD:        td,
		Rule:      rule,
		log:       bo.log,
		metrics:   bo.metrics,
	}, nil
}

func (r *Registry) engine(cfg *config.Config) (*physics.ODEEngine, error) {
	if cfg.ModelPath != "" {
		return physics.LoadModelFile(cfg.ModelPath)
	}
	sys, err := r.GetModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	integ, err := r.GetIntegrator(cfg.Integrator)
	if err != nil {
		return nil, err
	}
	model, err := physics.NewModel(cfg.Model, sys, cfg.Dt, nil)
	if err != nil {
		return nil, err
	}
	return physics.NewODEEngine(model, sys, integ)
}

func buildCosts(cfg *config.Config, m *physics.Model) (*cost.Policy, error) {
	n := m.Nq + m.Nv
	p := &cost.Policy{}

	if len(cfg.Cost.Q) > 0 {
		if err := dynamo.CheckDim("cost q", len(cfg.Cost.Q), n); err != nil {
			return nil, err
		}
		run, err := cost.NewStateQuadratic(cost.Diagonal(cfg.Cost.Q), cfg.Cost.Target, 1)
		if err != nil {
			return nil, err
		}
		p.Run = run
	}
	if len(cfg.Cost.QF) > 0 {
		if err := dynamo.CheckDim("cost qf", len(cfg.Cost.QF), n); err != nil {
			return nil, err
		}
		term, err := cost.NewStateQuadratic(cost.Diagonal(cfg.Cost.QF), cfg.Cost.Target, 1)
		if err != nil {
			return nil, err
		}
		p.Terminal = term
	}
	r, err := cfg.ControlWeight()
	if err != nil {
		return nil, err
	}
	if r != nil {
		if err := dynamo.CheckDim("cost r", r.SymmetricDim(), m.Nu); err != nil {
			return nil, err
		}
		ctl, err := cost.NewControlQuadratic(r)
		if err != nil {
			return nil, err
		}
		p.Control = ctl
	}

	t := cfg.Termination
	if t.MaxQpos > 0 || t.MaxQvel > 0 || t.TimeLimit > 0 || t.CheckFinite {
		p.Terminator = cost.Bounds{
			MaxQpos:     t.MaxQpos,
			MaxQvel:     t.MaxQvel,
			TimeLimit:   t.TimeLimit,
			CheckFinite: t.CheckFinite,
		}
	}
	return p, nil
}

// SampleInits draws n observations uniformly from the box [low, high].
func SampleInits(low, high []float64, n int, seed int64) ([][]float64, error) {
	if err := dynamo.CheckDim("init bounds", len(high), len(low)); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	inits := make([][]float64, n)
	for b := range inits {
		x := make([]float64, len(low))
		for i := range x {
			x[i] = low[i] + rng.Float64()*(high[i]-low[i])
		}
		inits[b] = x
	}
	return inits, nil
}

// TrainResult is the outcome of Train.
type TrainResult struct {
	Params   []float64
	Losses   []float64
	Policy   policy.Differentiable
	Final    *rollout.Batch
	Duration time.Duration
}

// Train runs cfg.Epochs optimizer iterations on the loss and rolls the
// final policy out once more on the training batch.
func (s *Setup) Train(ctx context.Context, onIteration func(iter int, loss float64)) (*TrainResult, error) {
	start := time.Now()
	lossFn, gradFn := s.lossFuncs()
	solver := &optim.Solver{
		Loss:    lossFn,
		Grad:    gradFn,
		Rule:    s.Rule,
		Logger:  telemetry.Component(s.log, "optim"),
		Metrics: s.metrics,
	}
	if onIteration != nil {
		solver.OnIteration = func(iter int, loss float64, _ []float64) {
			onIteration(iter, loss)
		}
	}
	res, err := solver.Solve(ctx, s.Policy.Params(), s.Config.Epochs)
	if err != nil {
		return nil, err
	}
	pol, err := s.Policy.WithParams(res.Params)
	if err != nil {
		return nil, err
	}
	final, err := s.Evaluate(ctx, pol)
	if err != nil {
		return nil, fmt.Errorf("final rollout: %w", err)
	}
	s.log.Info().
		Int("epochs", s.Config.Epochs).
		Float64("final_loss", final.Loss).
		Int("terminated", final.Terminated()).
		Dur("elapsed", time.Since(start)).
		Msg("training complete")
	return &TrainResult{
		Params:   res.Params,
		Losses:   res.Losses,
		Policy:   pol,
		Final:    final,
		Duration: time.Since(start),
	}, nil
}

func (s *Setup) lossFuncs() (optim.LossFunc, optim.GradFunc) {
	if s.TD != nil {
		return s.TD.Value, s.TD.Grad
	}
	return s.Objective.Value, s.Objective.Grad
}

// Evaluate rolls ctrl out from the setup's initial batch without gradients.
func (s *Setup) Evaluate(ctx context.Context, ctrl policy.Controller) (*rollout.Batch, error) {
	return s.Rollout.Rollout(ctx, s.Inits, ctrl)
}

// TuneLR trains a copy of base once per learning rate and keeps the one
// with the lowest final loss. Trials are built from r, so they share its
// sensitivity caches.
func (r *Registry) TuneLR(ctx context.Context, base *config.Config, lrs []float64, log zerolog.Logger) (*optim.GridResult, error) {
	search := optim.NewGridSearch([]string{"lr"}, [][]float64{lrs})
	return search.Search(ctx, func(ctx context.Context, p map[string]float64) (float64, error) {
		cfg := *base
		cfg.LR = p["lr"]
		setup, err := r.Build(&cfg, WithLogger(log.Level(zerolog.WarnLevel)))
		if err != nil {
			return 0, err
		}
		trained, err := setup.Train(ctx, nil)
		if err != nil {
			log.Warn().Err(err).Float64("lr", cfg.LR).Msg("trial failed")
			return 0, err
		}
		log.Info().Float64("lr", cfg.LR).Float64("loss", trained.Final.Loss).Msg("trial")
		return trained.Final.Loss, nil
	})
}
