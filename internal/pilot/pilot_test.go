package pilot

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velocity.pilot/internal/mpc"
	"github.com/banshee-data/velocity.pilot/internal/nlp"
	"github.com/banshee-data/velocity.pilot/internal/polyfit"
	"github.com/banshee-data/velocity.pilot/internal/telemetry"
	"github.com/banshee-data/velocity.pilot/internal/timeutil"
	"github.com/banshee-data/velocity.pilot/internal/vehicle"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// roadTelemetry places the vehicle at (x, y) heading psi with waypoints
// running straight ahead, shifted sideways by offset (positive is left).
func roadTelemetry(x, y, psi, offset, speedMPH float64) telemetry.Telemetry {
	sin, cos := math.Sincos(psi)
	tel := telemetry.Telemetry{X: x, Y: y, Psi: psi, Speed: speedMPH}
	for d := 5.0; d <= 60; d += 11 {
		tel.PtsX = append(tel.PtsX, x+d*cos-offset*sin)
		tel.PtsY = append(tel.PtsY, y+d*sin+offset*cos)
	}
	return tel
}

type recorder struct {
	mu      sync.Mutex
	ticks   []TickRecord
	started []string
	ended   []string
}

func (r *recorder) ObserveTick(rec TickRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, rec)
}

func (r *recorder) SessionStarted(id string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
}

func (r *recorder) SessionEnded(id string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, id)
}

func newPilot(t *testing.T, mutate func(*Config), opts ...Option) (*Pilot, *timeutil.MockClock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := timeutil.NewMockClock(epoch)
	p, err := New(cfg, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, clock
}

func TestHandleFrame_IgnoredAndManual(t *testing.T) {
	p, clock := newPilot(t, nil)

	reply, err := p.HandleFrame(context.Background(), "2")
	require.NoError(t, err)
	assert.Empty(t, reply)

	for _, frame := range []string{`42["manual",{}]`, `42["telemetry",null]`, `42`} {
		reply, err = p.HandleFrame(context.Background(), frame)
		require.NoError(t, err)
		if frame == "42" {
			assert.Empty(t, reply)
			continue
		}
		assert.Equal(t, `42["manual",{}]`, reply)
	}
	assert.Empty(t, clock.Sleeps(), "manual replies are not delayed")
}

func TestHandleFrame_StraightRoad(t *testing.T) {
	rec := &recorder{}
	p, clock := newPilot(t, nil, WithObserver(rec), WithSession("s1"))

	frame, err := telemetry.EncodeTelemetry(roadTelemetry(100, -40, 0.7, 0, 25))
	require.NoError(t, err)

	out, err := p.HandleFrame(context.Background(), frame)
	require.NoError(t, err)
	reply, err := telemetry.DecodeReply(out)
	require.NoError(t, err)

	assert.InDelta(t, 0, reply.SteeringAngle, 1e-3)
	assert.Greater(t, reply.Throttle, 0.0, "below cruise speed")
	assert.Len(t, reply.MPCX, 9)
	assert.Len(t, reply.MPCY, 9)
	require.Len(t, reply.NextX, 50)
	assert.InDelta(t, 0, reply.NextX[0], 0)
	assert.InDelta(t, 98, reply.NextX[49], 1e-9)
	for _, y := range reply.NextY {
		assert.InDelta(t, 0, y, 1e-6)
	}

	assert.Equal(t, []time.Duration{100 * time.Millisecond}, clock.Sleeps())

	require.Len(t, rec.ticks, 1)
	tick := rec.ticks[0]
	assert.Equal(t, "s1", tick.Session)
	assert.Equal(t, uint64(1), tick.Seq)
	assert.InDelta(t, 25*0.44704, tick.Measured.V, 1e-12)
	assert.InDelta(t, 0, tick.CTE, 1e-6)
	assert.InDelta(t, 0, tick.EPsi, 1e-6)
	assert.False(t, tick.Fallback)
	assert.NotEqual(t, StatusDeadline, tick.Status)
	assert.NotEqual(t, nlp.Infeasible.String(), tick.Status)
	assert.Equal(t, 6, tick.Waypoints)

	// Compensation moved the vehicle forward along its heading.
	dist := math.Hypot(tick.Compensated.X-100, tick.Compensated.Y+40)
	assert.InDelta(t, tick.Measured.V*0.1, dist, 1e-9)
}

func TestTick_LateralOffsetSteersBack(t *testing.T) {
	for _, offset := range []float64{1, -1} {
		t.Run(fmt.Sprintf("offset %+.0f", offset), func(t *testing.T) {
			p, _ := newPilot(t, nil)
			reply, rec, err := p.Tick(context.Background(), roadTelemetry(0, 0, 0, offset, 25))
			require.NoError(t, err)

			assert.InDelta(t, offset, rec.CTE, 1e-6)
			// Internal steering turns toward the path; the wire sign is opposite.
			assert.Equal(t, math.Signbit(offset), math.Signbit(rec.Delta))
			assert.Equal(t, math.Signbit(offset), !math.Signbit(reply.SteeringAngle))
			assert.LessOrEqual(t, math.Abs(reply.SteeringAngle), 1.0)
		})
	}
}

func TestTick_InputValidation(t *testing.T) {
	p, clock := newPilot(t, nil)

	_, err := p.HandleFrame(context.Background(), `42["telemetry",{"x":0}]`)
	assert.ErrorIs(t, err, mpc.ErrDegenerateInput)
	assert.ErrorIs(t, err, telemetry.ErrMalformedTelemetry)

	tel := roadTelemetry(0, 0, 0, 0, 20)
	tel.PtsX, tel.PtsY = tel.PtsX[:3], tel.PtsY[:3]
	_, _, err = p.Tick(context.Background(), tel)
	assert.ErrorIs(t, err, mpc.ErrDegenerateInput)
	assert.ErrorIs(t, err, polyfit.ErrInsufficientPoints)

	assert.Empty(t, clock.Sleeps(), "rejected ticks send nothing")
}

func TestTick_NoLatencyEmulation(t *testing.T) {
	p, clock := newPilot(t, func(c *Config) { c.EmulateLatency = false })
	_, _, err := p.Tick(context.Background(), roadTelemetry(0, 0, 0, 0, 20))
	require.NoError(t, err)
	assert.Empty(t, clock.Sleeps())
}

// stallingSolver solves the first problem and then blocks until canceled.
type stallingSolver struct {
	inner nlp.Solver
	calls atomic.Int32
}

func (s *stallingSolver) Solve(ctx context.Context, p nlp.Problem, x0 []float64) (*nlp.Result, error) {
	if s.calls.Add(1) == 1 {
		return s.inner.Solve(ctx, p, x0)
	}
	<-ctx.Done()
	_, m := p.Dims()
	res := &nlp.Result{X: append([]float64(nil), x0...), Lambda: make([]float64, m), Status: nlp.Canceled}
	return res, fmt.Errorf("%w: %w", nlp.ErrNonConvergence, ctx.Err())
}

func TestTick_DeadlineFallsBackToPreviousPlan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmulateLatency = false
	solver := &stallingSolver{inner: &nlp.InteriorPoint{}}
	ctrl, err := mpc.New(cfg.Controller, mpc.WithSolver(solver))
	require.NoError(t, err)

	rec := &recorder{}
	clock := timeutil.NewMockClock(epoch)
	p, err := New(cfg, WithClock(clock), WithController(ctrl), WithObserver(rec))
	require.NoError(t, err)
	defer p.Close()

	tel := roadTelemetry(0, 0, 0, 0.5, 25)
	_, firstRec, err := p.Tick(context.Background(), tel)
	require.NoError(t, err)
	require.False(t, firstRec.Fallback)

	type tickOut struct {
		reply telemetry.Reply
		rec   TickRecord
		err   error
	}
	done := make(chan tickOut, 1)
	go func() {
		r, rc, err := p.Tick(context.Background(), tel)
		done <- tickOut{r, rc, err}
	}()

	require.Eventually(t, func() bool { return clock.PendingTimers() > 0 }, 5*time.Second, time.Millisecond)
	clock.Advance(cfg.SolveDeadline)

	var out tickOut
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not return after the deadline")
	}
	require.NoError(t, out.err)

	assert.True(t, out.rec.Fallback)
	assert.Equal(t, StatusDeadline, out.rec.Status)
	assert.Nil(t, out.reply.MPCX)

	// The fallback is the second actuation of the first plan, not its first.
	secondDelta := p.last.Second()[vehicle.Steer]
	assert.InDelta(t, secondDelta, out.rec.Delta, 1e-12)
	assert.InDelta(t, -secondDelta/cfg.Controller.MaxSteer, out.reply.SteeringAngle, 1e-12)

	require.Len(t, rec.ticks, 2)
	assert.Equal(t, uint64(2), rec.ticks[1].Seq)
}

func TestTick_DeadlineWithoutPreviousPlanIsZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmulateLatency = false
	solver := &stallingSolver{}
	solver.calls.Store(1) // stall from the first call
	ctrl, err := mpc.New(cfg.Controller, mpc.WithSolver(solver))
	require.NoError(t, err)

	clock := timeutil.NewMockClock(epoch)
	p, err := New(cfg, WithClock(clock), WithController(ctrl))
	require.NoError(t, err)
	defer p.Close()

	done := make(chan TickRecord, 1)
	go func() {
		_, rec, _ := p.Tick(context.Background(), roadTelemetry(0, 0, 0, 1, 25))
		done <- rec
	}()
	require.Eventually(t, func() bool { return clock.PendingTimers() > 0 }, 5*time.Second, time.Millisecond)
	clock.Advance(time.Second)

	rec := <-done
	assert.True(t, rec.Fallback)
	assert.Zero(t, rec.Delta)
	assert.Zero(t, rec.Accel)
}

func TestPilot_SessionLifecycle(t *testing.T) {
	rec := &recorder{}
	clock := timeutil.NewMockClock(epoch)
	p, err := New(DefaultConfig(), WithClock(clock), WithSession("abc"), WithObserver(rec))
	require.NoError(t, err)
	assert.Equal(t, "abc", p.Session())
	assert.Equal(t, []string{"abc"}, rec.started)

	p.Close()
	p.Close()
	assert.Equal(t, []string{"abc"}, rec.ended)

	_, _, err = p.Tick(context.Background(), roadTelemetry(0, 0, 0, 0, 20))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_RejectsBadControllerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Controller.Horizon = 1
	_, err := New(cfg)
	assert.ErrorIs(t, err, mpc.ErrDegenerateInput)
}

func TestObserverFunc(t *testing.T) {
	var got uint64
	ObserverFunc(func(r TickRecord) { got = r.Seq }).ObserveTick(TickRecord{Seq: 7})
	assert.Equal(t, uint64(7), got)
}
