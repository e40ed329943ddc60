package models

import "github.com/san-kum/diffsim/internal/dynamo"

// PointMass is a 1-D body driven by a force: x = [q, v].
type PointMass struct {
	Mass    float64
	Damping float64
}

func NewPointMass() *PointMass {
	return &PointMass{Mass: DefaultMass}
}

func (p *PointMass) StateDim() int   { return 2 }
func (p *PointMass) ControlDim() int { return 1 }

func (p *PointMass) Derive(x dynamo.Vec, u dynamo.Vec, t float64) dynamo.Vec {
	v := x[1]
	a := (control(u, 0) - p.Damping*v) / p.Mass
	return dynamo.Vec{v, a}
}

func (p *PointMass) Energy(x dynamo.Vec) float64 {
	return 0.5 * p.Mass * x[1] * x[1]
}

func (p *PointMass) GetParams() map[string]float64 {
	return map[string]float64{
		"mass":    p.Mass,
		"damping": p.Damping,
	}
}

func (p *PointMass) SetParam(name string, value float64) error {
	switch name {
	case "mass":
		if err := positive(name, value); err != nil {
			return err
		}
		p.Mass = value
	case "damping":
		p.Damping = value
	default:
		return unknownParam(name)
	}
	return nil
}
