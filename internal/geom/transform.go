// Package geom converts points between the world frame reported by the
// simulator and the vehicle body frame the controller plans in.
//
// Coordinate convention: body-frame X points along the vehicle heading and
// body-frame Y points to the vehicle's left; headings are radians,
// counter-clockwise from the world X axis.
package geom

import "math"

// Point is a planar coordinate in metres.
type Point struct {
	X, Y float64
}

// Pose is the vehicle's world-frame position and heading.
type Pose struct {
	X, Y float64
	Psi  float64
}

// ToVehicleFrame expresses world point p in the body frame of pose:
// translate by (-X, -Y) then rotate by -Psi.
func ToVehicleFrame(pose Pose, p Point) Point {
	dx := p.X - pose.X
	dy := p.Y - pose.Y
	sinPsi, cosPsi := math.Sincos(pose.Psi)

	return Point{
		X: dx*cosPsi + dy*sinPsi,
		Y: -dx*sinPsi + dy*cosPsi,
	}
}

// ToWorldFrame is the inverse of ToVehicleFrame.
func ToWorldFrame(pose Pose, p Point) Point {
	sinPsi, cosPsi := math.Sincos(pose.Psi)

	return Point{
		X: pose.X + p.X*cosPsi - p.Y*sinPsi,
		Y: pose.Y + p.X*sinPsi + p.Y*cosPsi,
	}
}

// ToVehicleFrameAll transforms every point independently. The result is a
// new slice; pts is not modified.
func ToVehicleFrameAll(pose Pose, pts []Point) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = ToVehicleFrame(pose, p)
	}
	return out
}

// Zip pairs parallel coordinate slices into points. The shorter slice bounds
// the result.
func Zip(xs, ys []float64) []Point {
	n := min(len(xs), len(ys))
	out := make([]Point, n)
	for i := 0; i < n; i++ {
		out[i] = Point{X: xs[i], Y: ys[i]}
	}
	return out
}

// Unzip splits points into parallel coordinate slices.
func Unzip(pts []Point) (xs, ys []float64) {
	xs = make([]float64, len(pts))
	ys = make([]float64, len(pts))
	for i, p := range pts {
		xs[i] = p.X
		ys[i] = p.Y
	}
	return xs, ys
}

// NormalizeAngle wraps a to (-pi, pi].
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
