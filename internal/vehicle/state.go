// Package vehicle implements the kinematic bicycle model: the latency
// compensation step applied to the measured world pose and the differentiable
// transition model the trajectory optimiser constrains its horizon with.
package vehicle

import (
	"math"
	"time"

	"github.com/banshee-data/velocity.pilot/internal/geom"
)

// State vector indices.
const (
	X = iota
	Y
	Psi
	V
	CTE
	EPsi
	StateSize
)

// Actuation vector indices.
const (
	Steer = iota
	Accel
	ActuationSize
)

// State is the optimiser's state: position, heading, speed, cross-track error
// and heading error, all in the latency-compensated vehicle frame.
type State [StateSize]float64

// Actuation is a steering angle (radians, positive turns left) and an
// acceleration command.
type Actuation [ActuationSize]float64

// IsFinite reports whether every component is a finite number.
func (s State) IsFinite() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Kinematic is the world-frame pose plus longitudinal speed (m/s).
type Kinematic struct {
	geom.Pose
	V float64
}

// Compensate advances k by latency using one forward-Euler bicycle step with
// the actuation u that is currently in effect. lf is the distance from the
// centre of mass to the front axle.
func Compensate(k Kinematic, u Actuation, latency time.Duration, lf float64) Kinematic {
	dt := latency.Seconds()
	if dt == 0 {
		return k
	}
	sinPsi, cosPsi := math.Sincos(k.Psi)

	out := k
	out.X = k.X + k.V*cosPsi*dt
	out.Y = k.Y + k.V*sinPsi*dt
	out.Psi = k.Psi + k.V*u[Steer]/lf*dt
	out.V = k.V + u[Accel]*dt
	return out
}
