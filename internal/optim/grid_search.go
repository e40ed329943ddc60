package optim

import (
	"context"
	"errors"
	"math"
)

var errNaN = errors.New("objective is NaN")

// GridSearch evaluates every combination of the named hyper-parameter
// values and keeps the minimizer.
type GridSearch struct {
	paramNames []string
	ranges     [][]float64
}

func NewGridSearch(params []string, ranges [][]float64) *GridSearch {
	return &GridSearch{paramNames: params, ranges: ranges}
}

// Trial is one evaluated grid point. Err is set when the evaluation failed
// or returned NaN.
type Trial struct {
	Params map[string]float64
	Value  float64
	Err    error
}

type GridResult struct {
	Best   map[string]float64
	Value  float64
	Trials []Trial
}

// Search visits grid points in row-major order, the last name varying
// fastest. Failed trials are recorded and never chosen. Best is nil when
// every trial failed; a cancelled context stops the search with its error.
func (g *GridSearch) Search(
	ctx context.Context,
	evaluate func(ctx context.Context, params map[string]float64) (float64, error),
) (*GridResult, error) {
	res := &GridResult{Value: math.Inf(1)}
	for _, r := range g.ranges {
		if len(r) == 0 {
			return res, nil
		}
	}

	idx := make([]int, len(g.paramNames))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		point := make(map[string]float64, len(idx))
		for d, i := range idx {
			point[g.paramNames[d]] = g.ranges[d][i]
		}

		val, err := evaluate(ctx, point)
		if err == nil && math.IsNaN(val) {
			err = errNaN
		}
		res.Trials = append(res.Trials, Trial{Params: point, Value: val, Err: err})
		if err == nil && val < res.Value {
			res.Value = val
			res.Best = point
		}

		if !g.advance(idx) {
			return res, nil
		}
	}
}

// advance steps idx like an odometer and reports false after the last point.
func (g *GridSearch) advance(idx []int) bool {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < len(g.ranges[d]) {
			return true
		}
		idx[d] = 0
	}
	return false
}
