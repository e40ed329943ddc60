package models

import (
	"math"

	"github.com/san-kum/diffsim/internal/dynamo"
)

// Drone is a planar bi-rotor: x = [px, py, theta, vx, vy, omega], u = [left, right].
type Drone struct {
	Mass, Inertia, ArmLength float64
	Gravity, DragCoeff       float64
	AngDrag                  float64
}

func NewDrone() *Drone {
	return &Drone{
		Mass:      DefaultMass,
		Inertia:   0.1,
		ArmLength: 0.25,
		Gravity:   DefaultGravity,
		DragCoeff: 0.1,
		AngDrag:   0.05,
	}
}

func (d *Drone) StateDim() int   { return 6 }
func (d *Drone) ControlDim() int { return 2 }

func (d *Drone) Derive(x dynamo.Vec, u dynamo.Vec, t float64) dynamo.Vec {
	theta, vx, vy, omega := x[2], x[3], x[4], x[5]

	thrustL := math.Max(0, control(u, 0))
	thrustR := math.Max(0, control(u, 1))

	totalThrust := thrustL + thrustR
	torque := (thrustR - thrustL) * d.ArmLength

	sin, cos := math.Sin(theta), math.Cos(theta)
	fx := -totalThrust*sin - d.DragCoeff*vx
	fy := totalThrust*cos - d.Mass*d.Gravity - d.DragCoeff*vy

	ax := fx / d.Mass
	ay := fy / d.Mass
	alpha := (torque - d.AngDrag*omega) / d.Inertia

	return dynamo.Vec{vx, vy, omega, ax, ay, alpha}
}

func (d *Drone) HoverThrust() float64 {
	return d.Mass * d.Gravity / 2.0
}

func (d *Drone) Energy(x dynamo.Vec) float64 {
	y, vx, vy, omega := x[1], x[3], x[4], x[5]
	ke := 0.5 * d.Mass * (vx*vx + vy*vy)
	keRot := 0.5 * d.Inertia * omega * omega
	pe := d.Mass * d.Gravity * y
	return ke + keRot + pe
}

func (d *Drone) GetParams() map[string]float64 {
	return map[string]float64{
		"mass":       d.Mass,
		"inertia":    d.Inertia,
		"arm_length": d.ArmLength,
		"gravity":    d.Gravity,
		"drag":       d.DragCoeff,
		"ang_drag":   d.AngDrag,
	}
}

func (d *Drone) SetParam(name string, value float64) error {
	switch name {
	case "mass", "inertia", "arm_length":
		if err := positive(name, value); err != nil {
			return err
		}
	}
	switch name {
	case "mass":
		d.Mass = value
	case "inertia":
		d.Inertia = value
	case "arm_length":
		d.ArmLength = value
	case "gravity":
		d.Gravity = value
	case "drag":
		d.DragCoeff = value
	case "ang_drag":
		d.AngDrag = value
	default:
		return unknownParam(name)
	}
	return nil
}
