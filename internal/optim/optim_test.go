package optim

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/diffsim/internal/dynamo"
)

// quadratic is f(x) = sum_i a_i (x_i - c_i)^2.
type quadratic struct {
	a, c  []float64
	calls []string
}

func (q *quadratic) loss(_ context.Context, x []float64) (float64, error) {
	q.calls = append(q.calls, "loss")
	f := 0.0
	for i := range x {
		d := x[i] - q.c[i]
		f += q.a[i] * d * d
	}
	return f, nil
}

func (q *quadratic) grad(_ context.Context, x []float64) ([]float64, error) {
	q.calls = append(q.calls, "grad")
	g := make([]float64, len(x))
	for i := range x {
		g[i] = 2 * q.a[i] * (x[i] - q.c[i])
	}
	return g, nil
}

func newQuadratic() *quadratic {
	return &quadratic{a: []float64{1, 4, 0.5}, c: []float64{1, -2, 3}}
}

func TestSolveMonotonic(t *testing.T) {
	rules := map[string]UpdateRule{
		"sgd":      SGD{LR: 0.05},
		"momentum": Momentum{LR: 0.02, Beta: 0.3},
	}
	for name, rule := range rules {
		t.Run(name, func(t *testing.T) {
			q := newQuadratic()
			s := &Solver{Loss: q.loss, Grad: q.grad, Rule: rule, Logger: zerolog.Nop()}
			res, err := s.Solve(context.Background(), []float64{0, 0, 0}, 200)
			require.NoError(t, err)
			require.Len(t, res.Losses, 200)

			for i := 1; i < len(res.Losses); i++ {
				if res.Losses[i] > res.Losses[i-1]+1e-12 {
					t.Errorf("loss increased at %d: %g -> %g", i, res.Losses[i-1], res.Losses[i])
				}
			}
			final, _ := q.loss(context.Background(), res.Params)
			assert.Less(t, final, 1e-3)
		})
	}
}

func TestSolveAdamConverges(t *testing.T) {
	q := newQuadratic()
	s := &Solver{Loss: q.loss, Grad: q.grad, Rule: NewAdam(0.1)}
	res, err := s.Solve(context.Background(), []float64{0, 0, 0}, 500)
	require.NoError(t, err)
	assert.InDeltaSlice(t, q.c, res.Params, 1e-2)
	assert.Less(t, res.Losses[len(res.Losses)-1], res.Losses[0])
}

func TestSolveOrdering(t *testing.T) {
	q := newQuadratic()
	var seen []int
	s := &Solver{
		Loss: q.loss, Grad: q.grad, Rule: SGD{LR: 0.1},
		OnIteration: func(iter int, loss float64, params []float64) { seen = append(seen, iter) },
	}
	init := []float64{0, 0, 0}
	res, err := s.Solve(context.Background(), init, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"grad", "loss", "grad", "loss"}, q.calls)
	assert.Equal(t, []int{0, 1}, seen)
	assert.Equal(t, []float64{0, 0, 0}, init, "initial params must not be mutated")

	f0, _ := q.loss(context.Background(), init)
	assert.Equal(t, f0, res.Losses[0])
}

func TestSolveErrors(t *testing.T) {
	q := newQuadratic()
	boom := errors.New("boom")

	s := &Solver{
		Loss: q.loss,
		Grad: func(context.Context, []float64) ([]float64, error) { return nil, boom },
		Rule: SGD{LR: 0.1},
	}
	_, err := s.Solve(context.Background(), []float64{0, 0, 0}, 3)
	assert.ErrorIs(t, err, boom)

	s.Grad = func(context.Context, []float64) ([]float64, error) { return []float64{1}, nil }
	_, err = s.Solve(context.Background(), []float64{0, 0, 0}, 3)
	assert.ErrorIs(t, err, dynamo.ErrDimensionMismatch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Grad = q.grad
	_, err = s.Solve(ctx, []float64{0, 0, 0}, 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRulesDoNotMutateState(t *testing.T) {
	rule := NewAdam(0.1)
	st := rule.Init([]float64{0, 0})
	_, next := rule.Update([]float64{1, -1}, st, []float64{0, 0})

	assert.Equal(t, 0, st.Step)
	assert.Equal(t, []float64{0, 0}, st.M)
	assert.Equal(t, 1, next.Step)

	// first Adam step moves every coordinate by lr against the gradient sign
	delta, _ := rule.Update([]float64{3, -0.5}, st, []float64{0, 0})
	assert.InDelta(t, -0.1, delta[0], 1e-6)
	assert.InDelta(t, 0.1, delta[1], 1e-6)
}

func TestNewRule(t *testing.T) {
	for _, name := range RuleNames() {
		r, err := NewRule(name, 0.01)
		require.NoError(t, err)
		assert.NotNil(t, r)
	}
	_, err := NewRule("lbfgs", 0.01)
	assert.ErrorIs(t, err, dynamo.ErrUnknownField)
	_, err = NewRule("sgd", 0)
	assert.ErrorIs(t, err, dynamo.ErrParameterBounds)
}

func TestGridSearch(t *testing.T) {
	g := NewGridSearch([]string{"lr", "beta"}, [][]float64{{0.1, 0.01, 0.001}, {0.5, 0.9}})

	calls := 0
	res, err := g.Search(context.Background(), func(_ context.Context, p map[string]float64) (float64, error) {
		calls++
		if p["lr"] == 0.001 {
			return 0, errors.New("diverged")
		}
		if p["beta"] == 0.5 && p["lr"] == 0.1 {
			return math.NaN(), nil
		}
		return math.Abs(p["lr"]-0.01) + math.Abs(p["beta"]-0.9), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 6, calls)
	assert.Equal(t, map[string]float64{"lr": 0.01, "beta": 0.9}, res.Best)
	assert.InDelta(t, 0, res.Value, 1e-12)

	require.Len(t, res.Trials, 6)
	assert.Equal(t, map[string]float64{"lr": 0.1, "beta": 0.5}, res.Trials[0].Params)
	assert.Error(t, res.Trials[0].Err, "NaN is a failed trial")
	assert.Equal(t, map[string]float64{"lr": 0.1, "beta": 0.9}, res.Trials[1].Params)
	failed := 0
	for _, tr := range res.Trials {
		if tr.Err != nil {
			failed++
		}
	}
	assert.Equal(t, 3, failed)

	all, err := g.Search(context.Background(), func(context.Context, map[string]float64) (float64, error) {
		return 0, errors.New("diverged")
	})
	require.NoError(t, err)
	assert.Nil(t, all.Best)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Search(ctx, func(context.Context, map[string]float64) (float64, error) { return 0, nil })
	assert.ErrorIs(t, err, context.Canceled)
}
