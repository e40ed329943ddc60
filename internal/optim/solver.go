// Package optim runs budget-bounded gradient-based optimization of policy
// parameters.
package optim

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/telemetry"
)

type LossFunc func(ctx context.Context, params []float64) (float64, error)

type GradFunc func(ctx context.Context, params []float64) ([]float64, error)

type Solver struct {
	Loss    LossFunc
	Grad    GradFunc
	Rule    UpdateRule
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	// OnIteration, when set, observes every iteration after its update.
	OnIteration func(iter int, loss float64, params []float64)
}

type Result struct {
	Params []float64
	// Losses[i] is the loss at the parameters entering iteration i.
	Losses []float64
}

// Solve runs exactly maxIter iterations: gradient, loss, update.
func (s *Solver) Solve(ctx context.Context, init []float64, maxIter int) (*Result, error) {
	params := slices.Clone(init)
	st := s.Rule.Init(params)
	res := &Result{Losses: make([]float64, 0, maxIter)}

	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()

		grad, err := s.Grad(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("iteration %d gradient: %w", i, err)
		}
		if err := dynamo.CheckDim("gradient", len(grad), len(params)); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		loss, err := s.Loss(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("iteration %d loss: %w", i, err)
		}

		var delta []float64
		delta, st = s.Rule.Update(grad, st, params)
		dynamo.Vec(params).AddScaled(1, delta)
		res.Losses = append(res.Losses, loss)

		s.Metrics.RecordIteration(loss)
		s.Logger.Info().
			Int("iteration", i).
			Float64("cost", loss).
			Float64("grad_norm", dynamo.Vec(grad).Norm()).
			Dur("elapsed", time.Since(start)).
			Msg("optimizer step")
		if s.OnIteration != nil {
			s.OnIteration(i, loss, params)
		}
	}

	res.Params = params
	return res, nil
}
