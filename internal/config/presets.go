package config

import "sort"

// Presets are overlays on DefaultConfig, keyed by model then preset name.
var Presets = map[string]map[string]func(c *Config){
	"point_mass": {
		"reach": func(c *Config) {
			c.Model, c.Dt, c.Horizon = "point_mass", 0.1, 20
			c.Policy = PolicyConfig{Kind: "open_loop"}
			c.Batch = 1
			c.Cost = CostConfig{Q: []float64{1, 0}, R: []float64{1}, QF: []float64{10, 0}}
			c.Init = InitConfig{Low: []float64{1, 0}, High: []float64{1, 0}}
		},
		"regulate": func(c *Config) {
			c.Model, c.Dt, c.Horizon = "point_mass", 0.05, 60
			c.Policy = PolicyConfig{Kind: "linear"}
			c.Cost = CostConfig{Q: []float64{1, 0.1}, R: []float64{0.1}, QF: []float64{10, 1}}
			c.Init = InitConfig{Low: []float64{-2, -1}, High: []float64{2, 1}}
		},
		"hjb": func(c *Config) {
			c.Model, c.Dt, c.Horizon = "point_mass", 0.01, 100
			c.Batch, c.Epochs, c.LR = 50, 400, 4e-3
			c.Loss = "td"
			c.Policy = PolicyConfig{Kind: "hjb", Hidden: []int{64, 64}, Activation: "tanh", IncludeTime: true}
			c.Cost = CostConfig{Q: []float64{10, 0.1}, R: []float64{0.01}, QF: []float64{100, 1}}
			c.Init = InitConfig{Low: []float64{-1, -0.7}, High: []float64{1, 0.7}}
		},
	},
	"pendulum": {
		"hold": func(c *Config) {
			c.Model, c.Dt, c.Horizon = "pendulum", 0.01, 100
			c.Init = InitConfig{Low: []float64{-0.5, -0.5}, High: []float64{0.5, 0.5}}
		},
		"swing": func(c *Config) {
			c.Model, c.Integrator, c.Dt, c.Horizon = "pendulum", "rk4", 0.02, 150
			c.Policy = PolicyConfig{Kind: "mlp", Hidden: []int{64, 64}, Activation: "tanh", OutputScale: 5, IncludeTime: true}
			c.Cost = CostConfig{Q: []float64{1, 0.1}, R: []float64{0.01}, QF: []float64{50, 5}, Target: []float64{3.14159, 0}}
			c.Init = InitConfig{Low: []float64{-0.2, 0}, High: []float64{0.2, 0}}
			c.Termination = TerminationConfig{MaxQpos: 2.2 * 3.14159, MaxQvel: 10, CheckFinite: true}
		},
		"stochastic": func(c *Config) {
			c.Model, c.Dt, c.Horizon = "pendulum", 0.01, 100
			c.Samples = 4
			c.Policy.NoiseStd = 0.1
		},
	},
	"cartpole": {
		"balance": func(c *Config) {
			c.Model, c.Integrator, c.Dt, c.Horizon = "cartpole", "rk4", 0.02, 100
			c.Policy = PolicyConfig{Kind: "linear"}
			c.Cost = CostConfig{Q: []float64{1, 10, 0.1, 0.1}, R: []float64{0.01}, QF: []float64{10, 100, 1, 1}}
			c.Init = InitConfig{Low: []float64{-0.2, -0.1, 0, 0}, High: []float64{0.2, 0.1, 0, 0}}
			c.Termination = TerminationConfig{MaxQpos: 3, CheckFinite: true}
		},
	},
	"double_pendulum": {
		"gentle": func(c *Config) {
			c.Model, c.Integrator, c.Dt, c.Horizon = "double_pendulum", "rk4", 0.01, 100
			c.Cost = CostConfig{Q: []float64{1, 1, 0.1, 0.1}, R: []float64{0.01}, QF: []float64{10, 10, 1, 1}}
			c.Init = InitConfig{Low: []float64{-0.3, -0.3, 0, 0}, High: []float64{0.3, 0.3, 0, 0}}
		},
	},
	"drone": {
		"hover": func(c *Config) {
			c.Model, c.Integrator, c.Dt, c.Horizon = "drone", "rk4", 0.02, 100
			c.Policy = PolicyConfig{Kind: "mlp", Hidden: []int{32, 32}, Activation: "tanh"}
			c.Cost = CostConfig{
				Q:      []float64{1, 1, 1, 0.1, 0.1, 0.1},
				R:      []float64{0.01, 0.01},
				QF:     []float64{10, 10, 10, 1, 1, 1},
				Target: []float64{0, 5, 0, 0, 0, 0},
			}
			c.Init = InitConfig{Low: []float64{-1, 4, -0.3, 0, 0, 0}, High: []float64{1, 6, 0.3, 0, 0, 0}}
			c.Termination = TerminationConfig{CheckFinite: true}
		},
	},
}

// GetPreset returns a fresh config, or nil when the preset does not exist.
func GetPreset(model, preset string) *Config {
	modelPresets, ok := Presets[model]
	if !ok {
		return nil
	}
	apply, ok := modelPresets[preset]
	if !ok {
		return nil
	}
	cfg := DefaultConfig()
	apply(cfg)
	return cfg
}

func ListPresets(model string) []string {
	modelPresets, ok := Presets[model]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(modelPresets))
	for name := range modelPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ListModels() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
