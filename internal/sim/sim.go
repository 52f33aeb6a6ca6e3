// Package sim drives a pilot around a simulated track in virtual time. Every
// frame goes through the same wire codec the websocket transport uses.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/velocity.pilot/internal/geom"
	"github.com/banshee-data/velocity.pilot/internal/mpc"
	"github.com/banshee-data/velocity.pilot/internal/nlp"
	"github.com/banshee-data/velocity.pilot/internal/pilot"
	"github.com/banshee-data/velocity.pilot/internal/telemetry"
	"github.com/banshee-data/velocity.pilot/internal/timeutil"
	"github.com/banshee-data/velocity.pilot/internal/vehicle"
)

// Config describes one simulated run.
type Config struct {
	Pilot pilot.Config

	Ticks int
	// Period is the simulated time between telemetry frames.
	Period time.Duration
	// ActuationLatency delays every command reaching the plant.
	ActuationLatency time.Duration
	// IntegrationStep is the plant's integration step.
	IntegrationStep time.Duration
	// Waypoints is how many track points each frame carries.
	Waypoints int
	// InitialSpeed is the starting speed in m/s.
	InitialSpeed float64
	// OffTrack ends the run once the vehicle is this far from the track.
	OffTrack float64
}

// DefaultConfig runs 30 simulated seconds at the default controller tuning.
func DefaultConfig() Config {
	return Config{
		Pilot:            pilot.DefaultConfig(),
		Ticks:            300,
		Period:           100 * time.Millisecond,
		ActuationLatency: 100 * time.Millisecond,
		IntegrationStep:  10 * time.Millisecond,
		Waypoints:        6,
		InitialSpeed:     5,
		OffTrack:         8,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch {
	case c.Ticks <= 0:
		return errors.New("ticks must be positive")
	case c.Period <= 0:
		return errors.New("period must be positive")
	case c.ActuationLatency < 0:
		return errors.New("actuation latency must not be negative")
	case c.Waypoints < c.Pilot.Controller.Degree+1:
		return fmt.Errorf("need at least %d waypoints for a degree %d fit", c.Pilot.Controller.Degree+1, c.Pilot.Controller.Degree)
	case c.InitialSpeed < 0:
		return errors.New("initial speed must not be negative")
	case c.OffTrack <= 0:
		return errors.New("off-track distance must be positive")
	}
	return nil
}

// Metrics summarises a run.
type Metrics struct {
	Ticks    int  `json:"ticks"`
	OffTrack bool `json:"off_track"`

	MeanAbsCTE float64 `json:"mean_abs_cte"`
	MaxAbsCTE  float64 `json:"max_abs_cte"`
	StdDevCTE  float64 `json:"stddev_cte"`
	// MeanAbsSteerChange is the mean tick-to-tick change of the normalised
	// steering command.
	MeanAbsSteerChange float64 `json:"mean_abs_steer_change"`
	MeanSpeed          float64 `json:"mean_speed"`
	Distance           float64 `json:"distance"`

	// Rejected counts frames the pilot returned an error for.
	Rejected int `json:"rejected"`
	// SolverFailures counts ticks whose solve did not converge, fallbacks
	// included.
	SolverFailures int `json:"solver_failures"`
}

// Score ranks runs; lower is better. It rewards tight tracking, smooth
// steering and speed, and heavily penalises leaving the track.
func (m Metrics) Score() float64 {
	if m.Ticks == 0 {
		return math.Inf(1)
	}
	s := m.MeanAbsCTE + 0.25*m.MaxAbsCTE + 5*m.MeanAbsSteerChange - 0.02*m.MeanSpeed
	s += float64(m.Rejected+m.SolverFailures) / float64(m.Ticks)
	if m.OffTrack {
		s += 100
	}
	return s
}

type options struct {
	session   string
	observers []pilot.Observer
}

// Option customises a run.
type Option func(*options)

// WithSession stamps the run's tick records with id.
func WithSession(id string) Option {
	return func(o *options) { o.session = id }
}

// WithObserver forwards the run's tick records to obs.
func WithObserver(obs ...pilot.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs...) }
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Run drives a pilot around track for cfg.Ticks frames. It stops early if
// the vehicle leaves the track or ctx is done; a canceled run returns the
// metrics so far together with ctx.Err().
func Run(ctx context.Context, cfg Config, track Track, opts ...Option) (Metrics, error) {
	if err := cfg.Validate(); err != nil {
		return Metrics{}, err
	}
	if len(track.Points) < 2 {
		return Metrics{}, errors.New("track needs at least two points")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Time is virtual: the plant owns it and nothing sleeps.
	pcfg := cfg.Pilot
	pcfg.EmulateLatency = false
	clock := timeutil.NewMockClock(epoch)

	var failures int
	count := pilot.ObserverFunc(func(rec pilot.TickRecord) {
		if rec.Fallback || rec.Status != nlp.Converged.String() {
			failures++
		}
	})
	p, err := pilot.New(pcfg,
		pilot.WithClock(clock),
		pilot.WithSession(o.session),
		pilot.WithObserver(append([]pilot.Observer{count}, o.observers...)...),
	)
	if err != nil {
		return Metrics{}, err
	}
	defer p.Close()

	maxSteer := pcfg.Controller.MaxSteer
	plant := NewPlant(
		vehicle.Kinematic{Pose: track.Start(), V: cfg.InitialSpeed},
		pcfg.Controller.Lf, maxSteer, cfg.ActuationLatency, cfg.IntegrationStep,
	)

	m := Metrics{}
	var (
		cte, speed, steerChange []float64
		lastSteer               float64
	)
	for tick := 0; tick < cfg.Ticks; tick++ {
		if err := ctx.Err(); err != nil {
			return summarise(m, cte, speed, steerChange, failures), err
		}

		frame, err := telemetry.EncodeTelemetry(plant.Telemetry(track, cfg.Waypoints))
		if err != nil {
			return Metrics{}, err
		}
		out, err := p.HandleFrame(ctx, frame)
		switch {
		case errors.Is(err, mpc.ErrDegenerateInput):
			m.Rejected++
		case err != nil:
			return summarise(m, cte, speed, steerChange, failures), err
		default:
			reply, err := telemetry.DecodeReply(out)
			if err != nil {
				return Metrics{}, err
			}
			plant.Command(vehicle.Actuation{
				vehicle.Steer: -reply.SteeringAngle * maxSteer,
				vehicle.Accel: reply.Throttle,
			})
			steerChange = append(steerChange, math.Abs(reply.SteeringAngle-lastSteer))
			lastSteer = reply.SteeringAngle
		}

		m.Distance += plant.Advance(cfg.Period)
		clock.Advance(cfg.Period)
		m.Ticks++

		d := track.Distance(geom.Point{X: plant.State.X, Y: plant.State.Y})
		cte = append(cte, d)
		speed = append(speed, plant.State.V)
		if d > cfg.OffTrack {
			m.OffTrack = true
			break
		}
	}
	return summarise(m, cte, speed, steerChange, failures), nil
}

func summarise(m Metrics, cte, speed, steerChange []float64, failures int) Metrics {
	m.SolverFailures = failures
	if len(cte) > 0 {
		m.MeanAbsCTE = stat.Mean(cte, nil)
		m.MaxAbsCTE = floats.Max(cte)
		m.StdDevCTE = stat.PopStdDev(cte, nil)
		m.MeanSpeed = stat.Mean(speed, nil)
	}
	if len(steerChange) > 0 {
		m.MeanAbsSteerChange = stat.Mean(steerChange, nil)
	}
	return m
}
