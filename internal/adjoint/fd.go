package adjoint

import (
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/physics"
	"github.com/san-kum/diffsim/internal/sensitivity"
	"github.com/san-kum/diffsim/internal/telemetry"
)

// FiniteDifference estimates the local Jacobians of a step with forward
// differences. State rows are computed only for the cache's inner indices
// and every row is masked to the cache's output coordinates.
type FiniteDifference struct {
	engine  physics.Engine
	cache   *sensitivity.Cache
	workers int
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

type Option func(*FiniteDifference)

// WithWorkers bounds the goroutines used for perturbation evaluations.
// Zero or negative selects one per CPU.
func WithWorkers(n int) Option {
	return func(f *FiniteDifference) { f.workers = n }
}

func WithLogger(log zerolog.Logger) Option {
	return func(f *FiniteDifference) { f.log = log }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(f *FiniteDifference) { f.metrics = m }
}

func NewFiniteDifference(engine physics.Engine, cache *sensitivity.Cache, opts ...Option) *FiniteDifference {
	f := &FiniteDifference{
		engine: engine,
		cache:  cache,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FiniteDifference) Cache() *sensitivity.Cache {
	return f.cache
}

// Evaluations is the number of extra steps one Backward call performs.
func (f *FiniteDifference) Evaluations() int {
	return f.cache.NumControls + len(f.cache.InnerIdx)
}

func (f *FiniteDifference) Forward(s *physics.State, u []float64) (*physics.State, error) {
	out, err := f.step(s, u)
	if err != nil {
		return nil, err
	}
	f.metrics.AddEvaluations(telemetry.EvalForward, 1)
	return out, nil
}

func (f *FiniteDifference) step(s *physics.State, u []float64) (*physics.State, error) {
	if err := dynamo.CheckDim("control", len(u), f.cache.NumControls); err != nil {
		return nil, err
	}
	return f.engine.Step(s.WithCtrl(u))
}

// Jacobians returns the control Jacobian (num controls x dim, nil without
// actuators) and the state Jacobian (dim x dim, zero outside the inner
// rows). Row i holds the masked change of the output per unit change of
// input coordinate i.
func (f *FiniteDifference) Jacobians(s *physics.State, u []float64, out *physics.State) (ju, jx *mat.Dense, err error) {
	c := f.cache
	base, err := c.Layout.Flatten(out)
	if err != nil {
		return nil, nil, fmt.Errorf("flatten output: %w", err)
	}
	in, err := c.Layout.Flatten(s)
	if err != nil {
		return nil, nil, fmt.Errorf("flatten input: %w", err)
	}

	nu := c.NumControls
	rows := nu + len(c.InnerIdx)
	jrows := make([][]float64, rows)
	errs := make([]error, rows)

	dynamo.ParallelFor(rows, 1, f.workers, func(start, end int) {
		for r := start; r < end; r++ {
			jrows[r], errs[r] = f.perturbedRow(r, s, u, in, base)
		}
	})
	for r, e := range errs {
		if e != nil {
			return nil, nil, fmt.Errorf("fd row %d: %w", r, e)
		}
	}
	f.metrics.AddEvaluations(telemetry.EvalFD, rows)
	f.log.Trace().Int("rows", rows).Int("dim", c.Dim).Msg("jacobians estimated")

	if nu > 0 {
		ju = mat.NewDense(nu, c.Dim, nil)
		for i := 0; i < nu; i++ {
			ju.SetRow(i, jrows[i])
		}
	}
	jx = mat.NewDense(c.Dim, c.Dim, nil)
	for k, idx := range c.InnerIdx {
		jx.SetRow(idx, jrows[nu+k])
	}
	return ju, jx, nil
}

// perturbedRow evaluates row r: a control coordinate for r < nu, otherwise
// inner index r-nu of the input state.
func (f *FiniteDifference) perturbedRow(r int, s *physics.State, u, in, base []float64) ([]float64, error) {
	c := f.cache
	var (
		out *physics.State
		err error
	)
	if r < c.NumControls {
		up := append([]float64(nil), u...)
		up[r] += c.Epsilon
		out, err = f.step(s, up)
	} else {
		xp := append([]float64(nil), in...)
		xp[c.InnerIdx[r-c.NumControls]] += c.Epsilon
		var sp *physics.State
		sp, err = c.Layout.Unflatten(xp)
		if err != nil {
			return nil, err
		}
		out, err = f.step(sp, u)
	}
	if err != nil {
		return nil, err
	}
	pf, err := c.Layout.Flatten(out)
	if err != nil {
		return nil, err
	}
	row := make([]float64, c.Dim)
	for j := range row {
		row[j] = c.Mask[j] * (pf[j] - base[j]) / c.Epsilon
	}
	return row, nil
}

// Backward returns gu = Ju·g and gx = Jx·g. Components of g on discrete
// leaves are zeroed before use, and gx is zero on discrete leaves.
func (f *FiniteDifference) Backward(s *physics.State, u []float64, out *physics.State, g []float64) (*Gradient, error) {
	c := f.cache
	if err := dynamo.CheckDim("upstream gradient", len(g), c.Dim); err != nil {
		return nil, err
	}
	discrete := c.Layout.DiscreteMask()
	gc := make([]float64, c.Dim)
	for i, v := range g {
		if !discrete[i] {
			gc[i] = v
		}
	}

	ju, jx, err := f.Jacobians(s, u, out)
	if err != nil {
		return nil, err
	}

	gvec := mat.NewVecDense(c.Dim, gc)
	var gx mat.VecDense
	gx.MulVec(jx, gvec)

	flat := make([]float64, c.Dim)
	for i := range flat {
		if !discrete[i] {
			flat[i] = gx.AtVec(i)
		}
	}

	gu := make([]float64, c.NumControls)
	if ju != nil {
		var v mat.VecDense
		v.MulVec(ju, gvec)
		for i := range gu {
			gu[i] = v.AtVec(i)
		}
	}

	st, err := c.Layout.Unflatten(flat)
	if err != nil {
		return nil, err
	}
	return &Gradient{State: st, Flat: flat, Control: gu}, nil
}
