package models

import (
	"errors"
	"math"
	"testing"

	"github.com/san-kum/diffsim/internal/dynamo"
)

func TestPendulumEquilibrium(t *testing.T) {
	p := NewPendulum()
	p.Damping = 0

	dx := p.Derive(dynamo.Vec{0, 0}, dynamo.Vec{0}, 0)

	if math.Abs(dx[0]) > 1e-10 {
		t.Errorf("expected zero velocity at equilibrium, got %f", dx[0])
	}
	if math.Abs(dx[1]) > 1e-10 {
		t.Errorf("expected zero acceleration at equilibrium, got %f", dx[1])
	}
}

func TestPendulumGravity(t *testing.T) {
	p := NewPendulum()
	p.Damping = 0

	dx := p.Derive(dynamo.Vec{math.Pi / 2, 0}, dynamo.Vec{0}, 0)

	expectedAccel := -p.Gravity / p.Length
	if math.Abs(dx[1]-expectedAccel) > 1e-6 {
		t.Errorf("expected acceleration %f, got %f", expectedAccel, dx[1])
	}
}

func TestPointMassForce(t *testing.T) {
	p := NewPointMass()
	p.Mass = 2

	dx := p.Derive(dynamo.Vec{0, 3}, dynamo.Vec{4}, 0)
	if dx[0] != 3 || dx[1] != 2 {
		t.Errorf("expected [3 2], got %v", dx)
	}

	dx = p.Derive(dynamo.Vec{0, 0}, nil, 0)
	if dx[1] != 0 {
		t.Errorf("expected zero acceleration without control, got %f", dx[1])
	}
}

func TestDimensions(t *testing.T) {
	tests := []struct {
		name  string
		state int
		ctrl  int
	}{
		{"point_mass", 2, 1},
		{"pendulum", 2, 1},
		{"cartpole", 4, 1},
		{"double_pendulum", 4, 1},
		{"drone", 6, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys, err := New(tt.name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sys.StateDim() != tt.state {
				t.Errorf("expected state dim %d, got %d", tt.state, sys.StateDim())
			}
			if sys.ControlDim() != tt.ctrl {
				t.Errorf("expected control dim %d, got %d", tt.ctrl, sys.ControlDim())
			}
			if sys.StateDim()%2 != 0 {
				t.Errorf("state must split into positions and velocities")
			}
			dx := sys.Derive(make(dynamo.Vec, tt.state), make(dynamo.Vec, tt.ctrl), 0)
			if len(dx) != tt.state {
				t.Errorf("derivative length %d, want %d", len(dx), tt.state)
			}
		})
	}
}

func TestUnknownModel(t *testing.T) {
	_, err := New("lorenz")
	if !errors.Is(err, dynamo.ErrUnknownField) {
		t.Errorf("expected ErrUnknownField, got %v", err)
	}
}

func TestSetParam(t *testing.T) {
	for _, name := range Names() {
		sys, _ := New(name)
		cfg, ok := sys.(dynamo.Configurable)
		if !ok {
			t.Fatalf("%s is not configurable", name)
		}
		for k, v := range cfg.GetParams() {
			if err := cfg.SetParam(k, v); err != nil {
				t.Errorf("%s: round-trip of %s failed: %v", name, k, err)
			}
		}
		if err := cfg.SetParam("bogus", 1); !errors.Is(err, dynamo.ErrUnknownField) {
			t.Errorf("%s: expected ErrUnknownField, got %v", name, err)
		}
	}

	p := NewPendulum()
	if err := p.SetParam("mass", -1); !errors.Is(err, dynamo.ErrParameterBounds) {
		t.Errorf("expected ErrParameterBounds, got %v", err)
	}
	if p.Mass != DefaultMass {
		t.Errorf("mass changed after rejected update: %f", p.Mass)
	}
}

func TestDroneHover(t *testing.T) {
	d := NewDrone()
	h := d.HoverThrust()

	dx := d.Derive(dynamo.Vec{0, 1, 0, 0, 0, 0}, dynamo.Vec{h, h}, 0)
	for i, v := range dx {
		if math.Abs(v) > 1e-10 {
			t.Errorf("expected hover equilibrium, component %d = %f", i, v)
		}
	}
}

func TestDoublePendulumEnergyAtRest(t *testing.T) {
	d := NewDoublePendulum()
	e := d.Energy(dynamo.Vec{0, 0, 0, 0})
	want := -(d.M1*d.Gravity*d.L1 + d.M2*d.Gravity*(d.L1+d.L2))
	if math.Abs(e-want) > 1e-12 {
		t.Errorf("expected %f, got %f", want, e)
	}
}

func TestCartPoleUprightEquilibrium(t *testing.T) {
	c := NewCartPole()
	dx := c.Derive(dynamo.Vec{0, 0, 0, 0}, dynamo.Vec{0}, 0)
	for i, v := range dx {
		if math.Abs(v) > 1e-12 {
			t.Errorf("component %d = %f, expected 0", i, v)
		}
	}
}
