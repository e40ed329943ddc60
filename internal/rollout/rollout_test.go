package rollout_test

import (
	"context"
	"errors"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/diffsim/internal/adjoint"
	"github.com/san-kum/diffsim/internal/cost"
	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/integrators"
	"github.com/san-kum/diffsim/internal/models"
	"github.com/san-kum/diffsim/internal/physics"
	"github.com/san-kum/diffsim/internal/policy"
	"github.com/san-kum/diffsim/internal/rollout"
	"github.com/san-kum/diffsim/internal/sensitivity"
)

type fixture struct {
	engine *physics.ODEEngine
	op     *adjoint.FiniteDifference
}

func newFixture(sys dynamo.System, integ dynamo.Integrator, dt float64) fixture {
	model, err := physics.NewModel("test", sys, dt, nil)
	Expect(err).NotTo(HaveOccurred())
	eng, err := physics.NewODEEngine(model, sys, integ)
	Expect(err).NotTo(HaveOccurred())
	ref := eng.MakeState()
	cache, err := sensitivity.Build(ref, ref.Ctrl, nil, sensitivity.DefaultEpsilon)
	Expect(err).NotTo(HaveOccurred())
	return fixture{engine: eng, op: adjoint.NewFiniteDifference(eng, cache)}
}

func (f fixture) rollout(costs *cost.Policy, cfg rollout.Config) *rollout.Engine {
	r, err := rollout.New(f.engine, f.op, costs, cfg)
	Expect(err).NotTo(HaveOccurred())
	return r
}

// pointMassCosts is run = x^2, control = u^2, terminal = 10 x^2.
func pointMassCosts() *cost.Policy {
	run, err := cost.NewStateQuadratic(cost.Diagonal([]float64{1, 0}), nil, 1)
	Expect(err).NotTo(HaveOccurred())
	terminal, err := cost.NewStateQuadratic(cost.Diagonal([]float64{1, 0}), nil, 10)
	Expect(err).NotTo(HaveOccurred())
	ctl, err := cost.NewControlQuadratic(cost.Diagonal([]float64{1}))
	Expect(err).NotTo(HaveOccurred())
	return &cost.Policy{Run: run, Control: ctl, Terminal: terminal}
}

type badController struct{}

func (badController) Control(obs []float64, t float64, k int) ([]float64, error) {
	return []float64{1, 2, 3}, nil
}

var _ = Describe("Engine.Rollout", func() {
	var f fixture

	BeforeEach(func() {
		f = newFixture(models.NewPointMass(), integrators.NewSemiImplicit(), 0.1)
	})

	It("rejects a non-positive horizon", func() {
		_, err := rollout.New(f.engine, f.op, nil, rollout.Config{})
		Expect(errors.Is(err, dynamo.ErrParameterBounds)).To(BeTrue())
	})

	Context("point mass at rest with zero control", func() {
		It("charges dt*x^2 per step and 10*x^2 at the end", func() {
			r := f.rollout(pointMassCosts(), rollout.Config{Horizon: 5})
			batch, err := r.Rollout(context.Background(), [][]float64{{1, 0}}, policy.NewZero(1))
			Expect(err).NotTo(HaveOccurred())

			tr := batch.Trajectories[0]
			Expect(tr.Costs).To(HaveLen(6))
			Expect(tr.States).To(HaveLen(6))
			Expect(tr.Controls).To(HaveLen(5))
			Expect(tr.Times).To(HaveLen(6))
			Expect(tr.Costs[0]).To(BeNumerically("~", 0.1, 1e-15))

			final := tr.Final().Qpos[0]
			Expect(final).To(Equal(1.0))
			Expect(tr.TerminalCost).To(BeNumerically("~", 10*final*final, 1e-12))
			Expect(tr.Costs[5]).To(Equal(tr.TerminalCost))
			Expect(tr.Total()).To(BeNumerically("~", 10.5, 1e-12))
			Expect(batch.Loss).To(Equal(tr.Total()))
			Expect(tr.Times[5]).To(BeNumerically("~", 0.5, 1e-12))
		})
	})

	It("is deterministic", func() {
		r := f.rollout(pointMassCosts(), rollout.Config{Horizon: 8, Workers: 3})
		ctrl, err := policy.NewLinear([][]float64{{2, 1}}, nil)
		Expect(err).NotTo(HaveOccurred())
		inits := [][]float64{{1, 0}, {-0.5, 0.2}, {0.3, 0.3}}

		a, err := r.Rollout(context.Background(), inits, ctrl)
		Expect(err).NotTo(HaveOccurred())
		b, err := r.Rollout(context.Background(), inits, ctrl)
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(Equal(b))
	})

	It("keeps batch elements independent", func() {
		r := f.rollout(pointMassCosts(), rollout.Config{Horizon: 8})
		ctrl, err := policy.NewLinear([][]float64{{2, 1}}, nil)
		Expect(err).NotTo(HaveOccurred())

		a, err := r.Rollout(context.Background(), [][]float64{{1, 0}, {-0.5, 0.2}, {0.3, 0.3}}, ctrl)
		Expect(err).NotTo(HaveOccurred())
		b, err := r.Rollout(context.Background(), [][]float64{{1, 0}, {0.9, -0.4}, {0.3, 0.3}}, ctrl)
		Expect(err).NotTo(HaveOccurred())

		Expect(b.Trajectories[0]).To(Equal(a.Trajectories[0]))
		Expect(b.Trajectories[2]).To(Equal(a.Trajectories[2]))
		Expect(b.Trajectories[1]).NotTo(Equal(a.Trajectories[1]))
	})

	It("evaluates post-step costs on the stepped state", func() {
		pre := f.rollout(pointMassCosts(), rollout.Config{Horizon: 1, Timing: rollout.PreStep})
		post := f.rollout(pointMassCosts(), rollout.Config{Horizon: 1, Timing: rollout.PostStep})
		ctrl, _ := policy.NewOpenLoop(1, 1, []float64{2})

		a, err := pre.Rollout(context.Background(), [][]float64{{0, 1}}, ctrl)
		Expect(err).NotTo(HaveOccurred())
		b, err := post.Rollout(context.Background(), [][]float64{{0, 1}}, ctrl)
		Expect(err).NotTo(HaveOccurred())

		// pre: x=0, u=2 -> 0.1*4; post: v'=1.2, x'=0.12 -> 0.1*(0.0144+4)
		Expect(a.Trajectories[0].Costs[0]).To(BeNumerically("~", 0.4, 1e-12))
		Expect(b.Trajectories[0].Costs[0]).To(BeNumerically("~", 0.1*(0.0144+4), 1e-12))
	})

	It("freezes a trajectory once it terminates", func() {
		costs := pointMassCosts()
		costs.Terminator = cost.Bounds{MaxQpos: 0.25}
		r := f.rollout(costs, rollout.Config{Horizon: 6})

		batch, err := r.Rollout(context.Background(), [][]float64{{0, 1}, {0, 0}}, policy.NewZero(1))
		Expect(err).NotTo(HaveOccurred())

		tr := batch.Trajectories[0]
		Expect(tr.Terminated).To(BeTrue())
		Expect(tr.Steps).To(Equal(3))
		Expect(tr.Costs).To(HaveLen(7))
		frozen := tr.States[3]
		for k := 3; k < 6; k++ {
			Expect(tr.Costs[k]).To(Equal(0.0))
			Expect(tr.Controls[k]).To(Equal([]float64{0}))
			Expect(tr.States[k+1]).To(BeIdenticalTo(frozen))
			Expect(tr.Times[k+1]).To(Equal(frozen.Time))
		}
		Expect(tr.TerminalCost).To(BeNumerically("~", 10*frozen.Qpos[0]*frozen.Qpos[0], 1e-12))
		Expect(batch.Terminated()).To(Equal(1))

		Expect(batch.Trajectories[1].Terminated).To(BeFalse())
		Expect(batch.Trajectories[1].Steps).To(Equal(6))
	})

	It("reproduces stochastic rollouts from the seed", func() {
		base, err := policy.NewLinear([][]float64{{1, 1}}, nil)
		Expect(err).NotTo(HaveOccurred())
		noisy := policy.NewStochastic(base, 0.5, 0)
		inits := [][]float64{{1, 0}, {1, 0}}

		r := f.rollout(pointMassCosts(), rollout.Config{Horizon: 5, Seed: 11})
		a, err := r.Rollout(context.Background(), inits, noisy)
		Expect(err).NotTo(HaveOccurred())
		b, err := r.Rollout(context.Background(), inits, noisy)
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(Equal(b))

		// elements draw independent noise
		Expect(a.Trajectories[0].Controls).NotTo(Equal(a.Trajectories[1].Controls))

		other := f.rollout(pointMassCosts(), rollout.Config{Horizon: 5, Seed: 12})
		c, err := other.Rollout(context.Background(), inits, noisy)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Trajectories[0].Controls).NotTo(Equal(a.Trajectories[0].Controls))
	})

	It("fails fast on a mis-sized control", func() {
		r := f.rollout(nil, rollout.Config{Horizon: 3})
		_, err := r.Rollout(context.Background(), [][]float64{{0, 0}}, badController{})
		Expect(err).To(HaveOccurred())

		var stepErr *dynamo.StepError
		Expect(errors.As(err, &stepErr)).To(BeTrue())
		Expect(stepErr.Step).To(Equal(0))
		Expect(errors.Is(err, dynamo.ErrDimensionMismatch)).To(BeTrue())
	})

	It("fails fast on a mis-sized initial observation", func() {
		r := f.rollout(nil, rollout.Config{Horizon: 3})
		_, err := r.Rollout(context.Background(), [][]float64{{0, 0, 0}}, policy.NewZero(1))
		Expect(errors.Is(err, dynamo.ErrDimensionMismatch)).To(BeTrue())
	})

	It("stops dispatching when the context is cancelled", func() {
		r := f.rollout(nil, rollout.Config{Horizon: 3})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := r.Rollout(ctx, [][]float64{{0, 0}}, policy.NewZero(1))
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})
})

// lossFD differentiates the batch loss by central differences in params.
func lossFD(r *rollout.Engine, inits [][]float64, pol policy.Differentiable, h float64) []float64 {
	params := pol.Params()
	grad := make([]float64, len(params))
	for i := range params {
		plus := append([]float64(nil), params...)
		minus := append([]float64(nil), params...)
		plus[i] += h
		minus[i] -= h
		pp, err := pol.WithParams(plus)
		Expect(err).NotTo(HaveOccurred())
		pm, err := pol.WithParams(minus)
		Expect(err).NotTo(HaveOccurred())
		bp, err := r.Rollout(context.Background(), inits, pp)
		Expect(err).NotTo(HaveOccurred())
		bm, err := r.Rollout(context.Background(), inits, pm)
		Expect(err).NotTo(HaveOccurred())
		grad[i] = (bp.Loss - bm.Loss) / (2 * h)
	}
	return grad
}

func expectClose(got, want []float64, rel float64) {
	Expect(got).To(HaveLen(len(want)))
	for i := range want {
		tol := rel * math.Max(1, math.Abs(want[i]))
		Expect(got[i]).To(BeNumerically("~", want[i], tol), "component %d", i)
	}
}

var _ = Describe("Engine.Gradient", func() {
	DescribeTable("matches finite differences of the loss",
		func(timing rollout.Timing, numericCost bool) {
			f := newFixture(models.NewPointMass(), integrators.NewSemiImplicit(), 0.1)
			costs := pointMassCosts()
			if numericCost {
				costs.Run = cost.Func(func(_ *physics.Model, s *physics.State) float64 {
					return s.Qpos[0] * s.Qpos[0]
				})
			}
			r := f.rollout(costs, rollout.Config{Horizon: 5, Timing: timing})
			pol, err := policy.NewOpenLoop(5, 1, []float64{0.3, -0.2, 0.5, 0.1, -0.4})
			Expect(err).NotTo(HaveOccurred())
			inits := [][]float64{{1, 0}, {-0.5, 0.3}}

			batch, grad, err := r.Gradient(context.Background(), inits, pol)
			Expect(err).NotTo(HaveOccurred())

			plain, err := r.Rollout(context.Background(), inits, pol)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Loss).To(Equal(plain.Loss))

			expectClose(grad, lossFD(r, inits, pol, 1e-5), 1e-4)
		},
		Entry("pre-step analytic costs", rollout.PreStep, false),
		Entry("post-step analytic costs", rollout.PostStep, false),
		Entry("pre-step numeric run cost", rollout.PreStep, true),
		Entry("post-step numeric run cost", rollout.PostStep, true),
	)

	It("differentiates a feedback policy through nonlinear dynamics", func() {
		f := newFixture(models.NewPendulum(), integrators.NewRK4(), 0.05)
		run, err := cost.NewStateQuadratic(cost.Diagonal([]float64{1, 0.1}), nil, 1)
		Expect(err).NotTo(HaveOccurred())
		ctl, err := cost.NewControlQuadratic(cost.Diagonal([]float64{0.01}))
		Expect(err).NotTo(HaveOccurred())
		r := f.rollout(&cost.Policy{Run: run, Control: ctl, Terminal: run}, rollout.Config{Horizon: 10})

		pol, err := policy.NewLinear([][]float64{{3, 1}}, nil)
		Expect(err).NotTo(HaveOccurred())
		inits := [][]float64{{0.8, 0}, {-0.4, 0.5}}

		_, grad, err := r.Gradient(context.Background(), inits, pol)
		Expect(err).NotTo(HaveOccurred())
		expectClose(grad, lossFD(r, inits, pol, 1e-5), 1e-3)
	})

	It("differentiates an MLP policy", func() {
		f := newFixture(models.NewPendulum(), integrators.NewSemiImplicit(), 0.05)
		run, err := cost.NewStateQuadratic(cost.Diagonal([]float64{1, 0.1}), nil, 1)
		Expect(err).NotTo(HaveOccurred())
		r := f.rollout(&cost.Policy{Run: run, Terminal: run}, rollout.Config{Horizon: 6})

		pol, err := policy.NewMLP(policy.MLPConfig{Inputs: 2, Outputs: 1, Hidden: []int{4}, Seed: 3})
		Expect(err).NotTo(HaveOccurred())
		inits := [][]float64{{0.5, 0}}

		_, grad, err := r.Gradient(context.Background(), inits, pol)
		Expect(err).NotTo(HaveOccurred())
		expectClose(grad, lossFD(r, inits, pol, 1e-5), 1e-3)
	})

	It("has no parameter gradient when terminated before the first step", func() {
		f := newFixture(models.NewPointMass(), integrators.NewSemiImplicit(), 0.1)
		costs := pointMassCosts()
		costs.Terminator = cost.Bounds{MaxQpos: 0.5}
		r := f.rollout(costs, rollout.Config{Horizon: 4})
		pol, _ := policy.NewOpenLoop(4, 1, []float64{1, 1, 1, 1})

		batch, grad, err := r.Gradient(context.Background(), [][]float64{{1, 0}}, pol)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch.Trajectories[0].Steps).To(Equal(0))
		Expect(grad).To(Equal([]float64{0, 0, 0, 0}))
	})
})

var _ = Describe("Engine.GradientOf", func() {
	// doubled cost plus the summed squared position of every state
	readout := func(_ int, tr *rollout.Trajectory) (*rollout.Readout, error) {
		ro := &rollout.Readout{Costs: make([]float64, len(tr.Costs)), Obs: make([][]float64, len(tr.States))}
		for k := range ro.Costs {
			ro.Costs[k] = 2
		}
		for k, s := range tr.States {
			ro.Obs[k] = []float64{2 * s.Qpos[0], 0}
		}
		return ro, nil
	}
	value := func(b *rollout.Batch) float64 {
		sum := 0.0
		for _, tr := range b.Trajectories {
			sum += 2 * tr.Total()
			for _, s := range tr.States {
				sum += s.Qpos[0] * s.Qpos[0]
			}
		}
		return sum / float64(len(b.Trajectories))
	}
	valueFD := func(r *rollout.Engine, inits [][]float64, pol policy.Differentiable, h float64) []float64 {
		params := pol.Params()
		grad := make([]float64, len(params))
		for i := range params {
			plus := append([]float64(nil), params...)
			minus := append([]float64(nil), params...)
			plus[i] += h
			minus[i] -= h
			pp, _ := pol.WithParams(plus)
			pm, _ := pol.WithParams(minus)
			bp, err := r.Rollout(context.Background(), inits, pp)
			Expect(err).NotTo(HaveOccurred())
			bm, err := r.Rollout(context.Background(), inits, pm)
			Expect(err).NotTo(HaveOccurred())
			grad[i] = (value(bp) - value(bm)) / (2 * h)
		}
		return grad
	}

	DescribeTable("matches finite differences of the read-out function",
		func(timing rollout.Timing) {
			f := newFixture(models.NewPointMass(), integrators.NewSemiImplicit(), 0.1)
			r := f.rollout(pointMassCosts(), rollout.Config{Horizon: 5, Timing: timing})
			pol, err := policy.NewLinear([][]float64{{1.5, 0.5}}, nil)
			Expect(err).NotTo(HaveOccurred())
			inits := [][]float64{{1, 0}, {-0.5, 0.3}}

			_, grad, err := r.GradientOf(context.Background(), inits, pol, readout)
			Expect(err).NotTo(HaveOccurred())
			expectClose(grad, valueFD(r, inits, pol, 1e-5), 1e-4)
		},
		Entry("pre-step costs", rollout.PreStep),
		Entry("post-step costs", rollout.PostStep),
	)

	It("counts frozen states against the state they repeat", func() {
		f := newFixture(models.NewPointMass(), integrators.NewSemiImplicit(), 0.1)
		costs := pointMassCosts()
		costs.Terminator = cost.Bounds{MaxQpos: 1.05}
		r := f.rollout(costs, rollout.Config{Horizon: 6})
		pol, err := policy.NewOpenLoop(6, 1, []float64{1, 1, 1, 1, 1, 1})
		Expect(err).NotTo(HaveOccurred())
		inits := [][]float64{{1, 0}}

		batch, grad, err := r.GradientOf(context.Background(), inits, pol, readout)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch.Trajectories[0].Terminated).To(BeTrue())
		expectClose(grad, valueFD(r, inits, pol, 1e-5), 1e-4)
	})

	It("reduces to Gradient for a nil readout", func() {
		f := newFixture(models.NewPointMass(), integrators.NewSemiImplicit(), 0.1)
		r := f.rollout(pointMassCosts(), rollout.Config{Horizon: 4})
		pol, _ := policy.NewOpenLoop(4, 1, []float64{0.2, -0.1, 0.4, 0})
		inits := [][]float64{{1, 0}}

		_, want, err := r.Gradient(context.Background(), inits, pol)
		Expect(err).NotTo(HaveOccurred())
		_, got, err := r.GradientOf(context.Background(), inits, pol, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(want))
	})

	It("rejects a mis-sized readout", func() {
		f := newFixture(models.NewPointMass(), integrators.NewSemiImplicit(), 0.1)
		r := f.rollout(pointMassCosts(), rollout.Config{Horizon: 3})
		short := func(_ int, tr *rollout.Trajectory) (*rollout.Readout, error) {
			return &rollout.Readout{Costs: make([]float64, len(tr.Costs)-1)}, nil
		}
		_, _, err := r.GradientOf(context.Background(), [][]float64{{1, 0}}, policy.NewZero(1), short)
		Expect(errors.Is(err, dynamo.ErrDimensionMismatch)).To(BeTrue())
		var stepErr *dynamo.StepError
		Expect(errors.As(err, &stepErr)).To(BeTrue())
	})
})
