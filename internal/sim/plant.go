package sim

import (
	"math"
	"time"

	"github.com/banshee-data/velocity.pilot/internal/telemetry"
	"github.com/banshee-data/velocity.pilot/internal/units"
	"github.com/banshee-data/velocity.pilot/internal/vehicle"
)

type command struct {
	at time.Duration
	u  vehicle.Actuation
}

// Plant is the simulated vehicle: a kinematic bicycle integrated at a fine
// step, with commands taking effect only after the actuation latency.
type Plant struct {
	State vehicle.Kinematic

	lf, maxSteer float64
	latency      time.Duration
	step         time.Duration

	now     time.Duration
	applied vehicle.Actuation
	pending []command
}

// NewPlant places a vehicle at start.
func NewPlant(start vehicle.Kinematic, lf, maxSteer float64, latency, step time.Duration) *Plant {
	if step <= 0 {
		step = 10 * time.Millisecond
	}
	return &Plant{State: start, lf: lf, maxSteer: maxSteer, latency: latency, step: step}
}

// Command schedules u to take effect after the actuation latency. Steering
// is clamped to the mechanical limit and throttle to [-1, 1].
func (p *Plant) Command(u vehicle.Actuation) {
	u[vehicle.Steer] = math.Max(-p.maxSteer, math.Min(p.maxSteer, u[vehicle.Steer]))
	u[vehicle.Accel] = math.Max(-1, math.Min(1, u[vehicle.Accel]))
	p.pending = append(p.pending, command{at: p.now + p.latency, u: u})
}

// Applied is the actuation currently acting on the vehicle.
func (p *Plant) Applied() vehicle.Actuation { return p.applied }

// Elapsed is the simulated time so far.
func (p *Plant) Elapsed() time.Duration { return p.now }

// Advance integrates the vehicle forward by d and returns the distance
// travelled.
func (p *Plant) Advance(d time.Duration) float64 {
	var travelled float64
	for end := p.now + d; p.now < end; {
		for len(p.pending) > 0 && p.pending[0].at <= p.now {
			p.applied = p.pending[0].u
			p.pending = p.pending[1:]
		}
		h := min(p.step, end-p.now)
		dt := h.Seconds()

		k := &p.State
		sinPsi, cosPsi := math.Sincos(k.Psi)
		k.X += k.V * cosPsi * dt
		k.Y += k.V * sinPsi * dt
		k.Psi += k.V * p.applied[vehicle.Steer] / p.lf * dt
		k.V = math.Max(0, k.V+p.applied[vehicle.Accel]*dt)
		travelled += k.V * dt

		p.now += h
	}
	return travelled
}

// Telemetry reports the vehicle the way the simulator does: speed in mph
// and steering with the simulator's sign.
func (p *Plant) Telemetry(track Track, waypoints int) telemetry.Telemetry {
	xs, ys := track.Ahead(p.State.Pose, waypoints)
	return telemetry.Telemetry{
		PtsX:          xs,
		PtsY:          ys,
		X:             p.State.X,
		Y:             p.State.Y,
		Psi:           p.State.Psi,
		Speed:         units.FromMPS(p.State.V, units.MPH),
		SteeringAngle: -p.applied[vehicle.Steer],
		Throttle:      p.applied[vehicle.Accel],
	}
}
