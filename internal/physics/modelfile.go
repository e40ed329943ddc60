package physics

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/integrators"
	"github.com/san-kum/diffsim/internal/models"
)

// ModelFile is the on-disk model description.
type ModelFile struct {
	Name       string             `yaml:"name" validate:"required"`
	System     string             `yaml:"system" validate:"required"`
	Integrator string             `yaml:"integrator" validate:"omitempty,oneof=euler semi_implicit rk4"`
	Timestep   float64            `yaml:"timestep" validate:"gt=0"`
	Params     map[string]float64 `yaml:"params"`
	Qpos0      []float64          `yaml:"qpos0"`
}

var fileValidator = validator.New()

func LoadModelFile(path string) (*ODEEngine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseModelFile(data)
}

func ParseModelFile(data []byte) (*ODEEngine, error) {
	var mf ModelFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse model file: %w", err)
	}
	return mf.Build()
}

// Build resolves the system and integrator and applies Params in name order.
func (mf *ModelFile) Build() (*ODEEngine, error) {
	if err := fileValidator.Struct(mf); err != nil {
		return nil, fmt.Errorf("model file %s: %w", mf.Name, err)
	}
	sys, err := models.New(mf.System)
	if err != nil {
		return nil, err
	}
	if len(mf.Params) > 0 {
		cfg, ok := sys.(dynamo.Configurable)
		if !ok {
			return nil, fmt.Errorf("system %s takes no params: %w", mf.System, dynamo.ErrUnknownField)
		}
		names := make([]string, 0, len(mf.Params))
		for k := range mf.Params {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			if err := cfg.SetParam(k, mf.Params[k]); err != nil {
				return nil, fmt.Errorf("system %s: %w", mf.System, err)
			}
		}
	}
	integ, err := integrators.New(mf.Integrator)
	if err != nil {
		return nil, err
	}
	model, err := NewModel(mf.Name, sys, mf.Timestep, mf.Qpos0)
	if err != nil {
		return nil, err
	}
	return NewODEEngine(model, sys, integ)
}
