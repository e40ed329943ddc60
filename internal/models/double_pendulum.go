package models

import (
	"math"

	"github.com/san-kum/diffsim/internal/dynamo"
)

// DoublePendulum is actuated at the shoulder: x = [theta1, theta2, omega1, omega2].
type DoublePendulum struct {
	M1, M2  float64
	L1, L2  float64
	Gravity float64
}

func NewDoublePendulum() *DoublePendulum {
	return &DoublePendulum{
		M1: DefaultMass, M2: DefaultMass,
		L1: DefaultLength, L2: DefaultLength,
		Gravity: DefaultGravity,
	}
}

func (d *DoublePendulum) StateDim() int   { return 4 }
func (d *DoublePendulum) ControlDim() int { return 1 }

func (d *DoublePendulum) Derive(x dynamo.Vec, u dynamo.Vec, t float64) dynamo.Vec {
	theta1, theta2, omega1, omega2 := x[0], x[1], x[2], x[3]
	m1, m2, l1, l2, g := d.M1, d.M2, d.L1, d.L2, d.Gravity

	delta := theta2 - theta1
	sinD, cosD := math.Sin(delta), math.Cos(delta)

	tau := control(u, 0)

	den1 := (m1+m2)*l1 - m2*l1*cosD*cosD
	den2 := (l2 / l1) * den1

	alpha1 := (m2*l1*omega1*omega1*sinD*cosD +
		m2*g*math.Sin(theta2)*cosD +
		m2*l2*omega2*omega2*sinD -
		(m1+m2)*g*math.Sin(theta1) + tau) / den1

	alpha2 := (-m2*l2*omega2*omega2*sinD*cosD +
		(m1+m2)*g*math.Sin(theta1)*cosD -
		(m1+m2)*l1*omega1*omega1*sinD -
		(m1+m2)*g*math.Sin(theta2)) / den2

	return dynamo.Vec{omega1, omega2, alpha1, alpha2}
}

func (d *DoublePendulum) Energy(x dynamo.Vec) float64 {
	theta1, theta2, omega1, omega2 := x[0], x[1], x[2], x[3]
	m1, m2, l1, l2, g := d.M1, d.M2, d.L1, d.L2, d.Gravity

	v1sq := l1 * l1 * omega1 * omega1
	v2sq := l1*l1*omega1*omega1 + l2*l2*omega2*omega2 +
		2*l1*l2*omega1*omega2*math.Cos(theta1-theta2)

	ke := 0.5*m1*v1sq + 0.5*m2*v2sq
	y1 := -l1 * math.Cos(theta1)
	y2 := y1 - l2*math.Cos(theta2)
	pe := m1*g*y1 + m2*g*y2

	return ke + pe
}

func (d *DoublePendulum) GetParams() map[string]float64 {
	return map[string]float64{
		"m1": d.M1, "m2": d.M2,
		"l1": d.L1, "l2": d.L2,
		"gravity": d.Gravity,
	}
}

func (d *DoublePendulum) SetParam(name string, value float64) error {
	var field *float64
	switch name {
	case "m1":
		field = &d.M1
	case "m2":
		field = &d.M2
	case "l1":
		field = &d.L1
	case "l2":
		field = &d.L2
	case "gravity":
		d.Gravity = value
		return nil
	default:
		return unknownParam(name)
	}
	if err := positive(name, value); err != nil {
		return err
	}
	*field = value
	return nil
}
