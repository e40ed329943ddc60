package policy

// Controller maps an observation [qpos, qvel] at time t and step k to a
// control vector.
type Controller interface {
	Control(obs []float64, t float64, k int) ([]float64, error)
}

// Differentiable is a Controller with a flat parameter vector.
//
// Backward returns the gradient of dot(gu, u) with respect to the
// parameters and the observation, where u = Control(obs, t, k).
type Differentiable interface {
	Controller
	Params() []float64
	WithParams(p []float64) (Differentiable, error)
	Backward(obs []float64, t float64, k int, gu []float64) (gParams, gObs []float64, err error)
}

// Forker is implemented by controllers holding random state.
type Forker interface {
	Fork(seed int64) Controller
}

// Valuer is a Differentiable whose parameters also define a scalar value
// function V(obs, t). ValueGrad returns dV/dparams and dV/dobs.
type Valuer interface {
	Differentiable
	Value(obs []float64, t float64) (float64, error)
	ValueGrad(obs []float64, t float64) (gParams, gObs []float64, err error)
}
