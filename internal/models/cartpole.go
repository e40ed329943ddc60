package models

import (
	"math"

	"github.com/san-kum/diffsim/internal/dynamo"
)

// CartPole uses generalized coordinates first: x = [pos, theta, vel, omega],
// theta = 0 upright.
type CartPole struct {
	CartMass   float64
	PoleMass   float64
	PoleLength float64
	Gravity    float64
}

func NewCartPole() *CartPole {
	return &CartPole{
		CartMass:   1.0,
		PoleMass:   0.1,
		PoleLength: 1.0,
		Gravity:    DefaultGravity,
	}
}

func (c *CartPole) StateDim() int   { return 4 }
func (c *CartPole) ControlDim() int { return 1 }

func (c *CartPole) Derive(x dynamo.Vec, u dynamo.Vec, t float64) dynamo.Vec {
	theta := x[1]
	vel := x[2]
	omega := x[3]

	force := control(u, 0)

	mc := c.CartMass
	mp := c.PoleMass
	l := c.PoleLength
	g := c.Gravity

	sint := math.Sin(theta)
	cost := math.Cos(theta)

	temp := (force + mp*l*omega*omega*sint) / (mc + mp)
	thetaacc := (g*sint - cost*temp) / (l * (4.0/3.0 - mp*cost*cost/(mc+mp)))
	xacc := temp - mp*l*thetaacc*cost/(mc+mp)

	return dynamo.Vec{vel, omega, xacc, thetaacc}
}

func (c *CartPole) Energy(x dynamo.Vec) float64 {
	theta, vel, omega := x[1], x[2], x[3]
	l := c.PoleLength
	// pole modeled as a point at half length
	px := vel + 0.5*l*omega*math.Cos(theta)
	py := -0.5 * l * omega * math.Sin(theta)
	ke := 0.5*c.CartMass*vel*vel + 0.5*c.PoleMass*(px*px+py*py)
	pe := c.PoleMass * c.Gravity * 0.5 * l * math.Cos(theta)
	return ke + pe
}

func (c *CartPole) GetParams() map[string]float64 {
	return map[string]float64{
		"cart_mass":   c.CartMass,
		"pole_mass":   c.PoleMass,
		"pole_length": c.PoleLength,
		"gravity":     c.Gravity,
	}
}

func (c *CartPole) SetParam(name string, value float64) error {
	switch name {
	case "cart_mass", "pole_mass", "pole_length":
		if err := positive(name, value); err != nil {
			return err
		}
	}
	switch name {
	case "cart_mass":
		c.CartMass = value
	case "pole_mass":
		c.PoleMass = value
	case "pole_length":
		c.PoleLength = value
	case "gravity":
		c.Gravity = value
	default:
		return unknownParam(name)
	}
	return nil
}
