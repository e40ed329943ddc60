package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/diffsim/internal/cost"
	"github.com/san-kum/diffsim/internal/dynamo"
)

const (
	DefaultDt      = 0.01
	DefaultHorizon = 100
	DefaultBatch   = 16
	DefaultEpochs  = 50
	DefaultLR      = 1e-2
	DefaultEpsilon = 1e-6
)

// Config is every value consumed when a training or rollout run is built.
// It is passed explicitly; nothing reads it after construction. Loss is
// "cost", the summed trajectory cost, or "td", the temporal-difference loss
// of an hjb value function.
type Config struct {
	Model        string            `yaml:"model" validate:"required_without=ModelPath"`
	ModelPath    string            `yaml:"model_path,omitempty"`
	Integrator   string            `yaml:"integrator" validate:"omitempty,oneof=euler semi_implicit rk4"`
	Dt           float64           `yaml:"dt" validate:"gt=0"`
	Horizon      int               `yaml:"horizon" validate:"gt=0"`
	Batch        int               `yaml:"batch" validate:"gt=0"`
	Samples      int               `yaml:"samples" validate:"gte=1"`
	Epochs       int               `yaml:"epochs" validate:"gte=0"`
	LR           float64           `yaml:"lr" validate:"gt=0"`
	Optimizer    string            `yaml:"optimizer" validate:"oneof=sgd momentum adam"`
	Seed         int64             `yaml:"seed"`
	Epsilon      float64           `yaml:"epsilon" validate:"gt=0"`
	TargetFields []string          `yaml:"target_fields" validate:"dive,required"`
	CostTiming   string            `yaml:"cost_timing" validate:"oneof=pre_step post_step"`
	Workers      int               `yaml:"workers" validate:"gte=0"`
	Loss         string            `yaml:"loss" validate:"omitempty,oneof=cost td"`
	Policy       PolicyConfig      `yaml:"policy"`
	Cost         CostConfig        `yaml:"cost"`
	Termination  TerminationConfig `yaml:"termination"`
	Init         InitConfig        `yaml:"init"`
}

type PolicyConfig struct {
	Kind        string      `yaml:"kind" validate:"oneof=mlp linear open_loop zero hjb"`
	Hidden      []int       `yaml:"hidden" validate:"dive,gt=0"`
	Activation  string      `yaml:"activation" validate:"omitempty,oneof=tanh relu"`
	OutputScale float64     `yaml:"output_scale" validate:"gte=0"`
	IncludeTime bool        `yaml:"include_time"`
	NoiseStd    float64     `yaml:"noise_std" validate:"gte=0"`
	Gain        [][]float64 `yaml:"gain,omitempty"`
}

// CostConfig holds diagonal weights on [qpos, qvel] (Q running, QF
// terminal) and on the control (R). RFull, when set, replaces R.
type CostConfig struct {
	Q      []float64   `yaml:"q"`
	R      []float64   `yaml:"r"`
	RFull  [][]float64 `yaml:"r_full,omitempty"`
	QF     []float64   `yaml:"qf"`
	Target []float64   `yaml:"target,omitempty"`
}

type TerminationConfig struct {
	MaxQpos     float64 `yaml:"max_qpos" validate:"gte=0"`
	MaxQvel     float64 `yaml:"max_qvel" validate:"gte=0"`
	TimeLimit   float64 `yaml:"time_limit" validate:"gte=0"`
	CheckFinite bool    `yaml:"check_finite"`
}

// InitConfig bounds the uniform draw of initial observations [qpos, qvel].
type InitConfig struct {
	Low  []float64 `yaml:"low"`
	High []float64 `yaml:"high"`
}

var validate = validator.New()

func DefaultConfig() *Config {
	return &Config{
		Model:        "pendulum",
		Integrator:   "semi_implicit",
		Dt:           DefaultDt,
		Horizon:      DefaultHorizon,
		Batch:        DefaultBatch,
		Samples:      1,
		Epochs:       DefaultEpochs,
		LR:           DefaultLR,
		Optimizer:    "adam",
		Epsilon:      DefaultEpsilon,
		TargetFields: []string{"qpos", "qvel", "ctrl"},
		CostTiming:   "pre_step",
		Policy: PolicyConfig{
			Kind:       "mlp",
			Hidden:     []int{32, 32},
			Activation: "tanh",
		},
		Cost: CostConfig{
			Q:  []float64{1, 0.1},
			R:  []float64{0.01},
			QF: []float64{10, 1},
		},
		Init: InitConfig{
			Low:  []float64{-1, -1},
			High: []float64{1, 1},
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse overlays data on DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks field constraints, the init box and that the control
// weight is symmetric positive definite.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := dynamo.CheckDim("init bounds", len(c.Init.High), len(c.Init.Low)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for i := range c.Init.Low {
		if c.Init.Low[i] > c.Init.High[i] {
			return fmt.Errorf("invalid config: init low[%d] > high[%d]: %w", i, i, dynamo.ErrParameterBounds)
		}
	}
	r, err := c.ControlWeight()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Policy.Kind == "hjb" && r == nil {
		return fmt.Errorf("invalid config: hjb policy without control weight: %w", dynamo.ErrNotPositiveDefinite)
	}
	if c.Loss == "td" && c.Policy.Kind != "hjb" {
		return fmt.Errorf("invalid config: td loss with %s policy: %w", c.Policy.Kind, dynamo.ErrUnknownField)
	}
	return nil
}

// ControlWeight returns R as a checked symmetric positive definite matrix.
func (c *Config) ControlWeight() (*mat.SymDense, error) {
	var r *mat.SymDense
	if len(c.Cost.RFull) > 0 {
		n := len(c.Cost.RFull)
		r = mat.NewSymDense(n, nil)
		for i, row := range c.Cost.RFull {
			if err := dynamo.CheckDim("r_full row", len(row), n); err != nil {
				return nil, err
			}
			for j, v := range row {
				if v != c.Cost.RFull[j][i] {
					return nil, fmt.Errorf("r_full is not symmetric at (%d,%d): %w", i, j, dynamo.ErrNotPositiveDefinite)
				}
				r.SetSym(i, j, v)
			}
		}
	} else if len(c.Cost.R) > 0 {
		r = cost.Diagonal(c.Cost.R)
	} else {
		return nil, nil
	}
	if err := cost.CheckPositiveDefinite(r); err != nil {
		return nil, err
	}
	return r, nil
}
