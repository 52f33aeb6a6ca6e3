// Package units converts between the simulator's wire units and the SI units
// used inside the controller.
package units

import "math"

// Unit constants
const (
	MPS = "mps"
	MPH = "mph"
)

// MPHToMPS is the exact miles-per-hour to metres-per-second factor.
const MPHToMPS = 0.44704

// ToMPS converts a speed expressed in unit into metres per second.
// Unknown units are treated as m/s.
func ToMPS(speed float64, unit string) float64 {
	switch unit {
	case MPH:
		return speed * MPHToMPS
	default:
		return speed
	}
}

// FromMPS converts a speed in metres per second into unit.
func FromMPS(speedMPS float64, unit string) float64 {
	switch unit {
	case MPH:
		return speedMPS / MPHToMPS
	default:
		return speedMPS
	}
}

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 { return deg * math.Pi / 180 }

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 { return rad * 180 / math.Pi }
