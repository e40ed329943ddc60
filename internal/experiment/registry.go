package experiment

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/diffsim/internal/config"
	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/integrators"
	"github.com/san-kum/diffsim/internal/models"
	"github.com/san-kum/diffsim/internal/optim"
	"github.com/san-kum/diffsim/internal/physics"
	"github.com/san-kum/diffsim/internal/policy"
	"github.com/san-kum/diffsim/internal/sensitivity"
)

// PolicyContext is what a policy factory may read when building the
// initial policy of a run.
type PolicyContext struct {
	Model   *physics.Model
	System  dynamo.System
	Policy  config.PolicyConfig
	Horizon int
	Seed    int64
	// Target is the state the running cost pulls toward, or nil.
	Target []float64
	// ControlWeight is the control cost R, or nil without one.
	ControlWeight *mat.SymDense
}

func (c PolicyContext) obsDim() int {
	return c.Model.Nq + c.Model.Nv
}

type PolicyFactory func(ctx PolicyContext) (policy.Differentiable, error)

type Registry struct {
	models      map[string]func() dynamo.System
	integrators map[string]func() dynamo.Integrator
	policies    map[string]PolicyFactory
	optimizers  map[string]func(lr float64) optim.UpdateRule
	caches      *sensitivity.Store
}

func NewRegistry() *Registry {
	r := &Registry{
		models:      make(map[string]func() dynamo.System),
		integrators: make(map[string]func() dynamo.Integrator),
		policies:    make(map[string]PolicyFactory),
		optimizers:  make(map[string]func(lr float64) optim.UpdateRule),
		caches:      sensitivity.NewStore(),
	}

	for _, name := range models.Names() {
		r.models[name] = func() dynamo.System {
			sys, _ := models.New(name)
			return sys
		}
	}
	for _, name := range integrators.Names() {
		r.integrators[name] = func() dynamo.Integrator {
			integ, _ := integrators.New(name)
			return integ
		}
	}

	r.policies["zero"] = func(c PolicyContext) (policy.Differentiable, error) {
		return policy.NewZero(c.Model.Nu), nil
	}
	r.policies["open_loop"] = func(c PolicyContext) (policy.Differentiable, error) {
		return policy.NewOpenLoop(c.Horizon, c.Model.Nu, nil)
	}
	r.policies["linear"] = func(c PolicyContext) (policy.Differentiable, error) {
		gain := c.Policy.Gain
		if gain == nil {
			gain = make([][]float64, c.Model.Nu)
			for i := range gain {
				gain[i] = make([]float64, c.obsDim())
			}
		}
		if err := dynamo.CheckDim("gain rows", len(gain), c.Model.Nu); err != nil {
			return nil, err
		}
		for _, row := range gain {
			if err := dynamo.CheckDim("gain columns", len(row), c.obsDim()); err != nil {
				return nil, err
			}
		}
		return policy.NewLinear(gain, c.Target)
	}
	r.policies["mlp"] = func(c PolicyContext) (policy.Differentiable, error) {
		return policy.NewMLP(policy.MLPConfig{
			Inputs:      c.obsDim(),
			Outputs:     c.Model.Nu,
			Hidden:      c.Policy.Hidden,
			Activation:  c.Policy.Activation,
			IncludeTime: c.Policy.IncludeTime,
			OutputScale: c.Policy.OutputScale,
			Seed:        c.Seed,
		})
	}
	r.policies["hjb"] = func(c PolicyContext) (policy.Differentiable, error) {
		value, err := policy.NewMLP(policy.MLPConfig{
			Inputs:      c.obsDim(),
			Outputs:     1,
			Hidden:      c.Policy.Hidden,
			Activation:  c.Policy.Activation,
			IncludeTime: c.Policy.IncludeTime,
			Seed:        c.Seed,
		})
		if err != nil {
			return nil, err
		}
		return policy.NewHJB(value, c.System, c.ControlWeight)
	}

	for _, name := range optim.RuleNames() {
		r.optimizers[name] = func(lr float64) optim.UpdateRule {
			rule, _ := optim.NewRule(name, lr)
			return rule
		}
	}

	return r
}

func (r *Registry) RegisterModel(name string, ctor func() dynamo.System) {
	r.models[name] = ctor
}

func (r *Registry) RegisterPolicy(name string, factory PolicyFactory) {
	r.policies[name] = factory
}

func (r *Registry) GetModel(name string) (dynamo.System, error) {
	fn, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q: %w", name, dynamo.ErrUnknownField)
	}
	return fn(), nil
}

// DefaultConfig is config.DefaultConfig sized for the named model. When the
// model's state or control dimension differs from the defaults, costs become
// unit running weights, tenfold terminal weights and 0.01 control weights,
// and initial states are drawn from [-0.1, 0.1].
func (r *Registry) DefaultConfig(model string) (*config.Config, error) {
	sys, err := r.GetModel(model)
	if err != nil {
		return nil, err
	}
	cfg := config.DefaultConfig()
	cfg.Model = model

	n, nu := sys.StateDim(), sys.ControlDim()
	if len(cfg.Cost.Q) == n && len(cfg.Cost.R) == nu {
		return cfg, nil
	}
	cfg.Cost = config.CostConfig{Q: filled(n, 1), R: filled(nu, 0.01), QF: filled(n, 10)}
	cfg.Init = config.InitConfig{Low: filled(n, -0.1), High: filled(n, 0.1)}
	return cfg, nil
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func (r *Registry) GetIntegrator(name string) (dynamo.Integrator, error) {
	if name == "" {
		name = "semi_implicit"
	}
	fn, ok := r.integrators[name]
	if !ok {
		return nil, fmt.Errorf("unknown integrator %q: %w", name, dynamo.ErrUnknownField)
	}
	return fn(), nil
}

// GetPolicy builds the base policy and, when NoiseStd > 0, wraps it in a
// stochastic policy seeded from ctx.Seed.
func (r *Registry) GetPolicy(ctx PolicyContext) (policy.Differentiable, error) {
	fn, ok := r.policies[ctx.Policy.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown policy %q: %w", ctx.Policy.Kind, dynamo.ErrUnknownField)
	}
	pol, err := fn(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", ctx.Policy.Kind, err)
	}
	if ctx.Policy.NoiseStd > 0 {
		return policy.NewStochastic(pol, ctx.Policy.NoiseStd, ctx.Seed), nil
	}
	return pol, nil
}

func (r *Registry) GetOptimizer(name string, lr float64) (optim.UpdateRule, error) {
	fn, ok := r.optimizers[name]
	if !ok {
		return nil, fmt.Errorf("unknown optimizer %q: %w", name, dynamo.ErrUnknownField)
	}
	return fn(lr), nil
}

// Caches is shared by every setup built from r, so runs over the same
// model shape reuse one sensitivity cache.
func (r *Registry) Caches() *sensitivity.Store {
	return r.caches
}

func (r *Registry) ListModels() []string     { return sortedKeys(r.models) }
func (r *Registry) ListPolicies() []string   { return sortedKeys(r.policies) }
func (r *Registry) ListOptimizers() []string { return sortedKeys(r.optimizers) }

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
