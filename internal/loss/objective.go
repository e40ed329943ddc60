// Package loss turns a rollout engine and a policy template into the scalar
// objective and gradient consumed by the optimizer.
package loss

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/policy"
	"github.com/san-kum/diffsim/internal/rollout"
)

// Objective is the mean over the batch of the summed trajectory cost. With
// Samples > 1 each initial state is rolled out Samples times, which for a
// stochastic policy makes the loss the batch mean of the expected cost.
type Objective struct {
	engine   *rollout.Engine
	template policy.Differentiable
	inits    [][]float64
	samples  int

	mu   sync.Mutex
	memo *evaluation
}

type evaluation struct {
	params []float64
	batch  *rollout.Batch
	grad   []float64
}

func New(engine *rollout.Engine, template policy.Differentiable, inits [][]float64, samples int) (*Objective, error) {
	if len(inits) == 0 {
		return nil, fmt.Errorf("empty initial batch: %w", dynamo.ErrDimensionMismatch)
	}
	if samples < 1 {
		samples = 1
	}
	replicated := make([][]float64, 0, len(inits)*samples)
	for _, x := range inits {
		for s := 0; s < samples; s++ {
			replicated = append(replicated, x)
		}
	}
	return &Objective{
		engine:   engine,
		template: template,
		inits:    replicated,
		samples:  samples,
	}, nil
}

// Value satisfies optim.LossFunc.
func (o *Objective) Value(ctx context.Context, params []float64) (float64, error) {
	if e := o.cached(params, false); e != nil {
		return e.batch.Loss, nil
	}
	pol, err := o.template.WithParams(params)
	if err != nil {
		return 0, err
	}
	batch, err := o.engine.Rollout(ctx, o.inits, pol)
	if err != nil {
		return 0, err
	}
	o.store(&evaluation{params: slices.Clone(params), batch: batch})
	return batch.Loss, nil
}

// Grad satisfies optim.GradFunc.
func (o *Objective) Grad(ctx context.Context, params []float64) ([]float64, error) {
	_, grad, err := o.Evaluate(ctx, params)
	return grad, err
}

// Evaluate runs the rollout and reverse pass, reusing the last result when
// params are unchanged.
func (o *Objective) Evaluate(ctx context.Context, params []float64) (*rollout.Batch, []float64, error) {
	if e := o.cached(params, true); e != nil {
		return e.batch, slices.Clone(e.grad), nil
	}
	pol, err := o.template.WithParams(params)
	if err != nil {
		return nil, nil, err
	}
	batch, grad, err := o.engine.Gradient(ctx, o.inits, pol)
	if err != nil {
		return nil, nil, err
	}
	o.store(&evaluation{params: slices.Clone(params), batch: batch, grad: grad})
	return batch, slices.Clone(grad), nil
}

// Last returns the most recent batch, or nil before the first evaluation.
func (o *Objective) Last() *rollout.Batch {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.memo == nil {
		return nil
	}
	return o.memo.batch
}

func (o *Objective) Samples() int {
	return o.samples
}

func (o *Objective) cached(params []float64, needGrad bool) *evaluation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.memo == nil || !slices.Equal(o.memo.params, params) {
		return nil
	}
	if needGrad && o.memo.grad == nil {
		return nil
	}
	return o.memo
}

func (o *Objective) store(e *evaluation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.memo = e
}
