// Package pilot is the per-vehicle control loop. It turns one telemetry frame
// into one actuation reply: unit conversion, latency compensation, frame
// transform, reference fit, trajectory solve and reply encoding.
//
// Solves run on a dedicated worker goroutine. The tick waits for the result
// up to the configured deadline; on timeout it cancels the solve and issues
// the second actuation of the most recent completed plan.
package pilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/velocity.pilot/internal/geom"
	"github.com/banshee-data/velocity.pilot/internal/monitoring"
	"github.com/banshee-data/velocity.pilot/internal/mpc"
	"github.com/banshee-data/velocity.pilot/internal/polyfit"
	"github.com/banshee-data/velocity.pilot/internal/telemetry"
	"github.com/banshee-data/velocity.pilot/internal/timeutil"
	"github.com/banshee-data/velocity.pilot/internal/units"
	"github.com/banshee-data/velocity.pilot/internal/vehicle"
)

// ErrClosed is returned by Tick after Close.
var ErrClosed = errors.New("pilot: closed")

var logf = monitoring.Prefixed("pilot")

// Config is the control loop's configuration.
type Config struct {
	Controller mpc.Config

	// Latency is the actuation delay the state is compensated for.
	Latency time.Duration
	// EmulateLatency sleeps for Latency before a reply is returned.
	EmulateLatency bool
	// SolveDeadline bounds how long a tick waits for the optimiser. Zero
	// waits indefinitely.
	SolveDeadline time.Duration

	// Reference polyline sent back for display.
	DisplayStep     float64
	DisplayDistance float64
}

// DefaultConfig matches config/tuning.defaults.json.
func DefaultConfig() Config {
	return Config{
		Controller:      mpc.DefaultConfig(),
		Latency:         100 * time.Millisecond,
		EmulateLatency:  true,
		SolveDeadline:   80 * time.Millisecond,
		DisplayStep:     2,
		DisplayDistance: 100,
	}
}

type solveRequest struct {
	ctx     context.Context
	initial vehicle.State
	ref     polyfit.Polynomial
	warm    *mpc.Result
	reply   chan solveResponse
}

type solveResponse struct {
	res *mpc.Result
	err error
}

// Pilot controls one vehicle. Tick and HandleFrame must be called from one
// goroutine at a time; the transport reads one frame, handles it to
// completion and only then reads the next.
type Pilot struct {
	cfg       Config
	ctrl      *mpc.Controller
	clock     timeutil.Clock
	session   string
	observers []Observer

	requests  chan solveRequest
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	last *mpc.Result
	seq  uint64
}

// Option customises a Pilot.
type Option func(*Pilot)

// WithClock replaces the real clock, for tests and simulation.
func WithClock(c timeutil.Clock) Option {
	return func(p *Pilot) { p.clock = c }
}

// WithSession sets the session id stamped on tick records.
func WithSession(id string) Option {
	return func(p *Pilot) { p.session = id }
}

// WithObserver registers observers for tick records.
func WithObserver(obs ...Observer) Option {
	return func(p *Pilot) { p.observers = append(p.observers, obs...) }
}

// WithController supplies a prebuilt controller instead of building one from
// Config.Controller.
func WithController(c *mpc.Controller) Option {
	return func(p *Pilot) { p.ctrl = c }
}

// New builds a Pilot and starts its solve worker. Call Close to stop it.
func New(cfg Config, opts ...Option) (*Pilot, error) {
	p := &Pilot{
		cfg:      cfg,
		clock:    timeutil.RealClock{},
		requests: make(chan solveRequest),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ctrl == nil {
		ctrl, err := mpc.New(cfg.Controller)
		if err != nil {
			return nil, fmt.Errorf("build controller: %w", err)
		}
		p.ctrl = ctrl
	}
	p.cfg.Controller = p.ctrl.Config()

	p.wg.Add(1)
	go p.worker()

	if p.session != "" {
		now := p.clock.Now()
		for _, o := range p.observers {
			if so, ok := o.(SessionObserver); ok {
				so.SessionStarted(p.session, now)
			}
		}
	}
	return p, nil
}

// Session returns the session id, if any.
func (p *Pilot) Session() string { return p.session }

// Close stops the worker and notifies session observers. It is safe to call
// more than once.
func (p *Pilot) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
		if p.session == "" {
			return
		}
		now := p.clock.Now()
		for _, o := range p.observers {
			if so, ok := o.(SessionObserver); ok {
				so.SessionEnded(p.session, now)
			}
		}
	})
}

func (p *Pilot) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case req := <-p.requests:
			res, err := p.ctrl.Solve(req.ctx, req.initial, req.ref, req.warm)
			req.reply <- solveResponse{res: res, err: err}
		}
	}
}

// HandleFrame processes one inbound frame and returns the reply frame, or ""
// when the frame gets no reply. Errors are input-validation failures of a
// telemetry frame; the caller should log them and carry on.
func (p *Pilot) HandleFrame(ctx context.Context, frame string) (string, error) {
	ev, err := telemetry.ParseFrame(frame)
	if err != nil {
		return "", fmt.Errorf("%w: %w", mpc.ErrDegenerateInput, err)
	}
	switch ev.Kind {
	case telemetry.KindIgnored:
		return "", nil
	case telemetry.KindManual:
		return telemetry.EncodeManual(), nil
	}

	reply, _, err := p.Tick(ctx, *ev.Telemetry)
	if err != nil {
		return "", err
	}
	return telemetry.EncodeSteer(reply)
}

// Tick runs the control pipeline on one telemetry record.
func (p *Pilot) Tick(ctx context.Context, tel telemetry.Telemetry) (telemetry.Reply, TickRecord, error) {
	cc := p.cfg.Controller

	measured := vehicle.Kinematic{
		Pose: geom.Pose{X: tel.X, Y: tel.Y, Psi: tel.Psi},
		V:    units.ToMPS(tel.Speed, units.MPH),
	}
	// The simulator's steering sign is opposite to ours.
	current := vehicle.Actuation{vehicle.Steer: -tel.SteeringAngle, vehicle.Accel: tel.Throttle}
	comp := vehicle.Compensate(measured, current, p.cfg.Latency, cc.Lf)

	pts := geom.ToVehicleFrameAll(comp.Pose, geom.Zip(tel.PtsX, tel.PtsY))
	ref, err := polyfit.FitPoints(pts, cc.Degree)
	if err != nil {
		return telemetry.Reply{}, TickRecord{}, fmt.Errorf("%w: %w", mpc.ErrDegenerateInput, err)
	}

	initial := vehicle.State{
		vehicle.V:    comp.V,
		vehicle.CTE:  ref.CrossTrackError(),
		vehicle.EPsi: ref.HeadingError(),
	}

	start := p.clock.Now()
	res, err := p.solve(ctx, initial, ref)
	solveTime := p.clock.Since(start)

	rec := TickRecord{
		Session:     p.session,
		Time:        start,
		Measured:    measured,
		Compensated: comp,
		Waypoints:   len(pts),
		Reference:   ref,
		CTE:         initial[vehicle.CTE],
		EPsi:        initial[vehicle.EPsi],
		SolveTime:   solveTime,
	}

	var u vehicle.Actuation
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		u = p.last.Second()
		rec.Status = StatusDeadline
		rec.Fallback = true
		logf("session %s: solve missed %s deadline, reusing previous plan", p.session, p.cfg.SolveDeadline)
	case err != nil:
		return telemetry.Reply{}, TickRecord{}, err
	default:
		u = res.First()
		p.last = res
		rec.Status = res.Status.String()
		rec.Iterations = res.Iterations
		rec.Cost = res.Cost
		rec.PredictedX, rec.PredictedY = res.PredictedXY()
	}

	rec.Delta, rec.Accel = u[vehicle.Steer], u[vehicle.Accel]
	rec.Steering = -u[vehicle.Steer] / cc.MaxSteer
	rec.Throttle = u[vehicle.Accel]

	nextX, nextY := ref.Sample(p.cfg.DisplayStep, p.cfg.DisplayDistance)
	reply := telemetry.Reply{
		SteeringAngle: rec.Steering,
		Throttle:      rec.Throttle,
		MPCX:          rec.PredictedX,
		MPCY:          rec.PredictedY,
		NextX:         nextX,
		NextY:         nextY,
	}

	p.seq++
	rec.Seq = p.seq
	for _, o := range p.observers {
		o.ObserveTick(rec)
	}

	if p.cfg.EmulateLatency && p.cfg.Latency > 0 {
		p.clock.Sleep(p.cfg.Latency)
	}
	return reply, rec, nil
}

// solve hands the problem to the worker and waits for it, bounded by the
// solve deadline. A missed deadline cancels the solve and returns
// context.DeadlineExceeded.
func (p *Pilot) solve(ctx context.Context, initial vehicle.State, ref polyfit.Polynomial) (*mpc.Result, error) {
	solveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := solveRequest{
		ctx:     solveCtx,
		initial: initial,
		ref:     ref,
		warm:    p.last,
		reply:   make(chan solveResponse, 1),
	}
	select {
	case p.requests <- req:
	case <-p.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var timeout <-chan time.Time
	if p.cfg.SolveDeadline > 0 {
		timer := p.clock.NewTimer(p.cfg.SolveDeadline)
		defer timer.Stop()
		timeout = timer.C()
	}

	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-timeout:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
