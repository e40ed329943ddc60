// Package policy provides the control sources driven by rollouts.
//
// Every policy implements [Controller]. Parametric policies also implement
// [Differentiable] so the reverse pass can pull control gradients back to
// their parameters and observation:
//
//   - [Zero]: zero control, no parameters
//   - [OpenLoop]: one control vector per step, indexed by step
//   - [Linear]: u = -K (obs - target)
//   - [MLP]: feed-forward network on the observation (and optionally time)
//   - [Stochastic]: additive Gaussian noise around a differentiable policy
//
// # Usage
//
//	pol, _ := policy.NewMLP(policy.MLPConfig{Inputs: 4, Outputs: 1, Hidden: []int{32}})
//	u, _ := pol.Control(obs, t, k)
//
// Policies implementing [Forker] carry private random state and are forked
// once per batch element.
package policy
