package loss

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/san-kum/diffsim/internal/codec"
	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/policy"
	"github.com/san-kum/diffsim/internal/rollout"
)

// TD is the temporal-difference loss of a value-function policy. For each
// trajectory with states x_0..x_H and recorded costs c_0..c_H it is
//
//	sum_{k<H} (V(x_k) - V(x_{k+1}) - c_k)^2 + (V(x_H) - c_H)^2
//
// averaged over the batch. The policy acting in the rollout shares its
// parameters with V, so the gradient has a direct term through V at fixed
// states and a term through the trajectory from the reverse pass.
type TD struct {
	engine   *rollout.Engine
	template policy.Valuer
	inits    [][]float64
	samples  int

	mu   sync.Mutex
	memo *tdEvaluation
}

type tdEvaluation struct {
	params []float64
	value  float64
	batch  *rollout.Batch
	grad   []float64
}

func NewTD(engine *rollout.Engine, template policy.Valuer, inits [][]float64, samples int) (*TD, error) {
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
	return &TD{engine: engine, template: template, inits: replicated, samples: samples}, nil
}

func (o *TD) valuer(params []float64) (policy.Valuer, error) {
	pol, err := o.template.WithParams(params)
	if err != nil {
		return nil, err
	}
	v, ok := pol.(policy.Valuer)
	if !ok {
		return nil, fmt.Errorf("policy %T has no value function: %w", pol, dynamo.ErrUnknownField)
	}
	return v, nil
}

// Value satisfies optim.LossFunc.
func (o *TD) Value(ctx context.Context, params []float64) (float64, error) {
	if e := o.cached(params, false); e != nil {
		return e.value, nil
	}
	v, err := o.valuer(params)
	if err != nil {
		return 0, err
	}
	batch, err := o.engine.Rollout(ctx, o.inits, v)
	if err != nil {
		return 0, err
	}
	layout := o.engine.Layout()
	sum := 0.0
	for _, tr := range batch.Trajectories {
		t, err := traceTD(v, layout, tr, false)
		if err != nil {
			return 0, err
		}
		sum += t.loss
	}
	value := sum / float64(len(batch.Trajectories))
	o.store(&tdEvaluation{params: slices.Clone(params), value: value, batch: batch})
	return value, nil
}

// Grad satisfies optim.GradFunc.
func (o *TD) Grad(ctx context.Context, params []float64) ([]float64, error) {
	_, grad, err := o.Evaluate(ctx, params)
	return grad, err
}

// Evaluate returns the loss and its gradient, reusing the last result when
// params are unchanged.
func (o *TD) Evaluate(ctx context.Context, params []float64) (float64, []float64, error) {
	if e := o.cached(params, true); e != nil {
		return e.value, slices.Clone(e.grad), nil
	}
	v, err := o.valuer(params)
	if err != nil {
		return 0, nil, err
	}
	layout := o.engine.Layout()
	traces := make([]*tdTrace, len(o.inits))
	readout := func(b int, tr *rollout.Trajectory) (*rollout.Readout, error) {
		t, err := traceTD(v, layout, tr, true)
		if err != nil {
			return nil, err
		}
		traces[b] = t
		return t.readout(), nil
	}
	batch, grad, err := o.engine.GradientOf(ctx, o.inits, v, readout)
	if err != nil {
		return 0, nil, err
	}

	scale := 1.0 / float64(len(traces))
	sum := 0.0
	for _, t := range traces {
		sum += t.loss
		dynamo.Vec(grad).AddScaled(scale, t.direct)
	}
	value := sum * scale
	o.store(&tdEvaluation{params: slices.Clone(params), value: value, batch: batch, grad: grad})
	return value, slices.Clone(grad), nil
}

// Last returns the most recent batch, or nil before the first evaluation.
func (o *TD) Last() *rollout.Batch {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.memo == nil {
		return nil
	}
	return o.memo.batch
}

func (o *TD) cached(params []float64, needGrad bool) *tdEvaluation {
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

func (o *TD) store(e *tdEvaluation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.memo = e
}

// tdTrace holds the residuals of one trajectory and, when requested, the
// gradients of V at each of its states.
type tdTrace struct {
	loss   float64
	res    []float64
	gObs   [][]float64
	gParam [][]float64
	direct []float64
}

func traceTD(v policy.Valuer, layout *codec.Layout, tr *rollout.Trajectory, withGrad bool) (*tdTrace, error) {
	h := len(tr.States) - 1
	vals := make([]float64, h+1)
	t := &tdTrace{res: make([]float64, h+1)}
	if withGrad {
		t.gObs = make([][]float64, h+1)
		t.gParam = make([][]float64, h+1)
	}
	for k, s := range tr.States {
		obs := layout.EncodeObservation(s)
		val, err := v.Value(obs, tr.Times[k])
		if err != nil {
			return nil, err
		}
		vals[k] = val
		if withGrad {
			if t.gParam[k], t.gObs[k], err = v.ValueGrad(obs, tr.Times[k]); err != nil {
				return nil, err
			}
		}
	}

	for k := 0; k < h; k++ {
		t.res[k] = vals[k] - vals[k+1] - tr.Costs[k]
	}
	t.res[h] = vals[h] - tr.Costs[h]
	for _, r := range t.res {
		t.loss += r * r
	}

	if withGrad {
		t.direct = make([]float64, len(v.Params()))
		for k := 0; k <= h; k++ {
			dynamo.Vec(t.direct).AddScaled(t.valueWeight(k), t.gParam[k])
		}
	}
	return t, nil
}

// valueWeight is dloss/dV(x_k).
func (t *tdTrace) valueWeight(k int) float64 {
	w := 2 * t.res[k]
	if k > 0 {
		w -= 2 * t.res[k-1]
	}
	return w
}

func (t *tdTrace) readout() *rollout.Readout {
	ro := &rollout.Readout{
		Costs: make([]float64, len(t.res)),
		Obs:   make([][]float64, len(t.res)),
	}
	for k, r := range t.res {
		ro.Costs[k] = -2 * r
		w := t.valueWeight(k)
		g := make([]float64, len(t.gObs[k]))
		dynamo.Vec(g).AddScaled(w, t.gObs[k])
		ro.Obs[k] = g
	}
	return ro
}
