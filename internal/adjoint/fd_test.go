package adjoint_test

import (
	"math"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/san-kum/diffsim/internal/adjoint"
	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/integrators"
	"github.com/san-kum/diffsim/internal/models"
	"github.com/san-kum/diffsim/internal/physics"
	"github.com/san-kum/diffsim/internal/sensitivity"
	"github.com/san-kum/diffsim/internal/telemetry"
)

type countingEngine struct {
	physics.Engine
	steps atomic.Int64
}

func (c *countingEngine) Step(s *physics.State) (*physics.State, error) {
	c.steps.Add(1)
	return c.Engine.Step(s)
}

func newEngine(sys dynamo.System, integ dynamo.Integrator, dt float64) *countingEngine {
	model, err := physics.NewModel("test", sys, dt, nil)
	Expect(err).NotTo(HaveOccurred())
	eng, err := physics.NewODEEngine(model, sys, integ)
	Expect(err).NotTo(HaveOccurred())
	return &countingEngine{Engine: eng}
}

func unit(c *sensitivity.Cache, field string, k int) []float64 {
	off, _, err := c.Layout.FieldRange(field)
	Expect(err).NotTo(HaveOccurred())
	g := make([]float64, c.Dim)
	g[off+k] = 1
	return g
}

func at(c *sensitivity.Cache, v []float64, field string, k int) float64 {
	off, _, err := c.Layout.FieldRange(field)
	Expect(err).NotTo(HaveOccurred())
	return v[off+k]
}

var _ = Describe("FiniteDifference", func() {
	var (
		eng   *countingEngine
		cache *sensitivity.Cache
		op    *adjoint.FiniteDifference
		s     *physics.State
		u     []float64
	)

	BeforeEach(func() {
		// semi-implicit point mass: v' = v + dt*u, q' = q + dt*v'
		eng = newEngine(models.NewPointMass(), integrators.NewSemiImplicit(), 0.1)
		s = eng.MakeState()
		s.Qpos[0] = 1
		s.Qvel[0] = 0.5
		u = []float64{2}

		var err error
		cache, err = sensitivity.Build(s, u, nil, 1e-6)
		Expect(err).NotTo(HaveOccurred())
		op = adjoint.NewFiniteDifference(eng, cache)
	})

	Describe("Forward", func() {
		It("writes the control and steps once", func() {
			out, err := op.Forward(s, u)
			Expect(err).NotTo(HaveOccurred())
			Expect(eng.steps.Load()).To(Equal(int64(1)))
			Expect(out.Ctrl).To(Equal([]float64{2}))
			Expect(out.Qvel[0]).To(BeNumerically("~", 0.7, 1e-12))
			Expect(s.Ctrl).To(Equal([]float64{0}), "input state must not be mutated")
		})

		It("rejects a control of the wrong size", func() {
			_, err := op.Forward(s, []float64{1, 2})
			Expect(err).To(MatchError(dynamo.ErrDimensionMismatch))
		})
	})

	Describe("Backward", func() {
		var out *physics.State

		BeforeEach(func() {
			var err error
			out, err = op.Forward(s, u)
			Expect(err).NotTo(HaveOccurred())
			eng.steps.Store(0)
		})

		It("performs num controls plus inner indices extra steps", func() {
			_, err := op.Backward(s, u, out, unit(cache, "qpos", 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(eng.steps.Load()).To(Equal(int64(cache.NumControls + len(cache.InnerIdx))))
			Expect(op.Evaluations()).To(Equal(4))
		})

		It("recovers the linear step Jacobians", func() {
			grad, err := op.Backward(s, u, out, unit(cache, "qpos", 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(grad.Control[0]).To(BeNumerically("~", 0.01, 1e-6))
			Expect(grad.State.Qpos[0]).To(BeNumerically("~", 1, 1e-6))
			Expect(grad.State.Qvel[0]).To(BeNumerically("~", 0.1, 1e-6))
			Expect(grad.State.Time).To(Equal(0.0))

			grad, err = op.Backward(s, u, out, unit(cache, "qvel", 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(grad.Control[0]).To(BeNumerically("~", 0.1, 1e-6))
			Expect(grad.State.Qpos[0]).To(BeNumerically("~", 0, 1e-6))
			Expect(grad.State.Qvel[0]).To(BeNumerically("~", 1, 1e-6))
		})

		It("treats the input control slot as overwritten", func() {
			grad, err := op.Backward(s, u, out, unit(cache, "ctrl", 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(grad.Control[0]).To(BeNumerically("~", 1, 1e-6))
			Expect(grad.State.Ctrl[0]).To(Equal(0.0))
		})

		It("ignores upstream gradient outside the mask", func() {
			grad, err := op.Backward(s, u, out, unit(cache, "sensordata", 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(grad.Control[0]).To(Equal(0.0))
			for _, v := range grad.Flat {
				Expect(v).To(Equal(0.0))
			}
		})

		It("zeroes discrete leaves", func() {
			withSolver, err := sensitivity.Build(s, u, []string{"qpos", "qvel", "ctrl", "solver"}, 1e-6)
			Expect(err).NotTo(HaveOccurred())
			op := adjoint.NewFiniteDifference(eng, withSolver)

			g := unit(withSolver, "solver.steps", 0)
			g[len(g)-1] = 1
			grad, err := op.Backward(s, u, out, g)
			Expect(err).NotTo(HaveOccurred())
			Expect(grad.Control[0]).To(Equal(0.0))
			Expect(at(withSolver, grad.Flat, "solver.steps", 0)).To(Equal(0.0))
			Expect(at(withSolver, grad.Flat, "solver.warnings", 0)).To(Equal(0.0))
			Expect(grad.State.Solver).To(Equal(physics.Solver{}))
		})

		It("is deterministic across worker counts", func() {
			g := make([]float64, cache.Dim)
			for i := range g {
				g[i] = float64(i%3) - 1
			}
			serial, err := adjoint.NewFiniteDifference(eng, cache, adjoint.WithWorkers(1)).Backward(s, u, out, g)
			Expect(err).NotTo(HaveOccurred())
			parallel, err := adjoint.NewFiniteDifference(eng, cache, adjoint.WithWorkers(4)).Backward(s, u, out, g)
			Expect(err).NotTo(HaveOccurred())
			Expect(parallel).To(Equal(serial))
		})

		It("rejects a mis-sized upstream gradient", func() {
			_, err := op.Backward(s, u, out, make([]float64, cache.Dim+1))
			Expect(err).To(MatchError(dynamo.ErrDimensionMismatch))
		})

		It("exposes scattered Jacobians", func() {
			ju, jx, err := op.Jacobians(s, u, out)
			Expect(err).NotTo(HaveOccurred())
			r, c := ju.Dims()
			Expect(r).To(Equal(1))
			Expect(c).To(Equal(cache.Dim))
			r, c = jx.Dims()
			Expect(r).To(Equal(cache.Dim))
			Expect(c).To(Equal(cache.Dim))

			inner := map[int]bool{}
			for _, i := range cache.InnerIdx {
				inner[i] = true
			}
			for i := 0; i < cache.Dim; i++ {
				if inner[i] {
					continue
				}
				for j := 0; j < cache.Dim; j++ {
					Expect(jx.At(i, j)).To(Equal(0.0))
				}
			}
		})
	})

	Describe("metrics", func() {
		It("counts forward and perturbation evaluations", func() {
			reg := prometheus.NewRegistry()
			m, err := telemetry.NewMetrics(reg, "test")
			Expect(err).NotTo(HaveOccurred())
			op := adjoint.NewFiniteDifference(eng, cache, adjoint.WithMetrics(m))

			out, err := op.Forward(s, u)
			Expect(err).NotTo(HaveOccurred())
			_, err = op.Backward(s, u, out, unit(cache, "qpos", 0))
			Expect(err).NotTo(HaveOccurred())

			Expect(testutil.CollectAndCount(reg, "test_physics_evaluations_total")).To(Equal(2))
			Expect(evaluations(reg, telemetry.EvalForward)).To(Equal(1.0))
			Expect(evaluations(reg, telemetry.EvalFD)).To(Equal(4.0))
		})
	})
})

func evaluations(reg *prometheus.Registry, kind string) float64 {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())
	for _, mf := range families {
		if mf.GetName() != "test_physics_evaluations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "kind" && lp.GetValue() == kind {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

var _ = Describe("finite-difference accuracy", func() {
	// explicit Euler pendulum without damping:
	// omega' = omega + dt*(-g/L*sin(theta) + u/(m L^2))
	// d omega'/d theta = -dt*g/L*cos(theta)
	const (
		theta = 0.5
		omega = 0.3
		dt    = 0.1
	)

	gradErr := func(eps float64) float64 {
		p := models.NewPendulum()
		p.Damping = 0
		eng := newEngine(p, integrators.NewEuler(), dt)
		s := eng.MakeState()
		s.Qpos[0] = theta
		s.Qvel[0] = omega
		u := []float64{0}

		cache, err := sensitivity.Build(s, u, nil, eps)
		Expect(err).NotTo(HaveOccurred())
		op := adjoint.NewFiniteDifference(eng, cache)
		out, err := op.Forward(s, u)
		Expect(err).NotTo(HaveOccurred())
		grad, err := op.Backward(s, u, out, unit(cache, "qvel", 0))
		Expect(err).NotTo(HaveOccurred())

		analytic := -dt * p.Gravity / p.Length * math.Cos(theta)
		return math.Abs(grad.State.Qpos[0] - analytic)
	}

	It("converges as epsilon shrinks", func() {
		e4 := gradErr(1e-4)
		e6 := gradErr(1e-6)
		e8 := gradErr(1e-8)

		Expect(e6).To(BeNumerically("<", e4))
		Expect(e4).To(BeNumerically("<=", 1e-4))
		Expect(e8).To(BeNumerically("<", 1e-5))
	})
})
