package sim

import (
	"math"

	"github.com/banshee-data/velocity.pilot/internal/geom"
)

// Track is a closed loop of world-frame waypoints, driven counter-clockwise.
type Track struct {
	Name   string
	Points []geom.Point
}

// Oval returns a stadium track: two straights of the given length joined by
// semicircles of radius, with waypoints roughly spacing metres apart. It
// starts at the beginning of the bottom straight heading along +x.
func Oval(straight, radius, spacing float64) Track {
	var pts []geom.Point
	line := func(x0, y, dir float64) {
		n := int(math.Max(1, math.Round(straight/spacing)))
		for i := 0; i < n; i++ {
			pts = append(pts, geom.Point{X: x0 + dir*straight*float64(i)/float64(n), Y: y})
		}
	}
	arc := func(cx, start float64) {
		n := int(math.Max(2, math.Round(math.Pi*radius/spacing)))
		for i := 0; i < n; i++ {
			a := start + math.Pi*float64(i)/float64(n)
			pts = append(pts, geom.Point{X: cx + radius*math.Cos(a), Y: radius * math.Sin(a)})
		}
	}
	line(0, -radius, 1)
	arc(straight, -math.Pi/2)
	line(straight, radius, -1)
	arc(0, math.Pi/2)
	return Track{Name: "oval", Points: pts}
}

// Start is the pose at the first waypoint, facing the second.
func (t Track) Start() geom.Pose {
	a, b := t.Points[0], t.Points[1%len(t.Points)]
	return geom.Pose{X: a.X, Y: a.Y, Psi: math.Atan2(b.Y-a.Y, b.X-a.X)}
}

// nearest returns the index of the waypoint closest to p.
func (t Track) nearest(p geom.Point) int {
	best, bestD := 0, math.Inf(1)
	for i, q := range t.Points {
		if d := math.Hypot(q.X-p.X, q.Y-p.Y); d < bestD {
			best, bestD = i, d
		}
	}
	return best
}

// Ahead returns the n waypoints starting at the one nearest pose, wrapping
// around the loop, in the simulator's split-coordinate form.
func (t Track) Ahead(pose geom.Pose, n int) (xs, ys []float64) {
	start := t.nearest(geom.Point{X: pose.X, Y: pose.Y})
	// Skip a nearest waypoint that is already behind the vehicle.
	q := t.Points[start]
	if math.Cos(pose.Psi)*(q.X-pose.X)+math.Sin(pose.Psi)*(q.Y-pose.Y) < 0 {
		start++
	}
	xs, ys = make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		q := t.Points[(start+i)%len(t.Points)]
		xs[i], ys[i] = q.X, q.Y
	}
	return xs, ys
}

// Distance is the shortest distance from p to the track polyline.
func (t Track) Distance(p geom.Point) float64 {
	best := math.Inf(1)
	for i, a := range t.Points {
		b := t.Points[(i+1)%len(t.Points)]
		best = math.Min(best, segmentDistance(p, a, b))
	}
	return best
}

func segmentDistance(p, a, b geom.Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	s := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / l2
	s = math.Max(0, math.Min(1, s))
	return math.Hypot(p.X-(a.X+s*dx), p.Y-(a.Y+s*dy))
}

// Length is the loop's total length.
func (t Track) Length() float64 {
	var l float64
	for i, a := range t.Points {
		b := t.Points[(i+1)%len(t.Points)]
		l += math.Hypot(b.X-a.X, b.Y-a.Y)
	}
	return l
}
