package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velocity.pilot/internal/geom"
	"github.com/banshee-data/velocity.pilot/internal/pilot"
	"github.com/banshee-data/velocity.pilot/internal/testutil"
	"github.com/banshee-data/velocity.pilot/internal/vehicle"
)

func TestOval(t *testing.T) {
	track := Oval(100, 40, 5)
	require.NotEmpty(t, track.Points)

	want := 2*100 + 2*math.Pi*40
	assert.InDelta(t, want, track.Length(), 0.02*want)

	start := track.Start()
	assert.Equal(t, geom.Pose{X: 0, Y: -40, Psi: 0}, start)

	for _, p := range track.Points {
		assert.InDelta(t, 0, track.Distance(p), 1e-9)
	}
	assert.InDelta(t, 3, track.Distance(geom.Point{X: 50, Y: -37}), 1e-9)
}

func TestTrack_Ahead(t *testing.T) {
	track := Oval(100, 40, 5)

	xs, ys := track.Ahead(geom.Pose{X: 0, Y: -40}, 4)
	assert.Equal(t, []float64{0, 5, 10, 15}, xs)
	assert.Equal(t, []float64{-40, -40, -40, -40}, ys)

	// A nearest waypoint behind the vehicle is skipped.
	xs, _ = track.Ahead(geom.Pose{X: 6, Y: -40}, 2)
	assert.Equal(t, []float64{10, 15}, xs)

	// Wraps past the last waypoint.
	last := track.Points[len(track.Points)-1]
	xs, _ = track.Ahead(geom.Pose{X: last.X, Y: last.Y, Psi: 0}, 2)
	assert.Equal(t, track.Points[0].X, xs[1])
}

func TestPlant_LatencyAndIntegration(t *testing.T) {
	p := NewPlant(vehicle.Kinematic{V: 10}, 2.67, 0.4, 100*time.Millisecond, 10*time.Millisecond)

	p.Command(vehicle.Actuation{vehicle.Steer: 1, vehicle.Accel: 5})
	assert.Equal(t, vehicle.Actuation{}, p.Applied())

	// Straight for the latency window.
	d := p.Advance(100 * time.Millisecond)
	assert.InDelta(t, 1.0, d, 1e-9)
	assert.InDelta(t, 1.0, p.State.X, 1e-9)
	assert.Zero(t, p.State.Psi)

	p.Advance(10 * time.Millisecond)
	// Clamped to the steering and throttle limits.
	assert.Equal(t, vehicle.Actuation{vehicle.Steer: 0.4, vehicle.Accel: 1}, p.Applied())
	assert.Greater(t, p.State.Psi, 0.0)
	assert.Equal(t, 110*time.Millisecond, p.Elapsed())

	tel := p.Telemetry(Oval(100, 40, 5), 6)
	assert.Equal(t, -0.4, tel.SteeringAngle)
	assert.Equal(t, 1.0, tel.Throttle)
	assert.InDelta(t, p.State.V/0.44704, tel.Speed, 1e-9)
	assert.Len(t, tel.PtsX, 6)
}

func TestPlant_SpeedFloor(t *testing.T) {
	p := NewPlant(vehicle.Kinematic{V: 0.5}, 2.67, 0.4, 0, 0)
	p.Command(vehicle.Actuation{vehicle.Accel: -1})
	p.Advance(2 * time.Second)
	assert.Zero(t, p.State.V)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	for name, mutate := range map[string]func(*Config){
		"ticks":     func(c *Config) { c.Ticks = 0 },
		"period":    func(c *Config) { c.Period = 0 },
		"latency":   func(c *Config) { c.ActuationLatency = -time.Millisecond },
		"waypoints": func(c *Config) { c.Waypoints = 3 },
		"speed":     func(c *Config) { c.InitialSpeed = -1 },
		"off track": func(c *Config) { c.OffTrack = 0 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestRun_OvalStaysOnTrack(t *testing.T) {
	if testing.Short() {
		t.Skip("closed-loop simulation")
	}
	testutil.Quiet(t)

	cfg := DefaultConfig()
	cfg.Ticks = 200

	var ticks int
	m, err := Run(context.Background(), cfg, Oval(120, 50, 8),
		WithSession("sim"),
		WithObserver(pilot.ObserverFunc(func(rec pilot.TickRecord) {
			assert.Equal(t, "sim", rec.Session)
			ticks++
		})),
	)
	require.NoError(t, err)

	assert.Equal(t, 200, m.Ticks)
	assert.Equal(t, 200, ticks)
	assert.False(t, m.OffTrack)
	assert.Zero(t, m.Rejected)
	assert.Less(t, m.MaxAbsCTE, 3.0)
	assert.Less(t, m.MeanAbsCTE, 1.0)
	assert.Greater(t, m.MeanSpeed, cfg.InitialSpeed)
	assert.Greater(t, m.Distance, 100.0)
	assert.Less(t, m.Score(), 100.0)
}

func TestRun_Canceled(t *testing.T) {
	testutil.Quiet(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, err := Run(ctx, DefaultConfig(), Oval(100, 40, 5))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.Ticks)
}

func TestRun_RejectsBadInput(t *testing.T) {
	_, err := Run(context.Background(), DefaultConfig(), Track{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Ticks = 0
	_, err = Run(context.Background(), cfg, Oval(100, 40, 5))
	assert.Error(t, err)
}

func TestMetrics_Score(t *testing.T) {
	assert.True(t, math.IsInf(Metrics{}.Score(), 1))

	good := Metrics{Ticks: 10, MeanAbsCTE: 0.2, MaxAbsCTE: 0.5, MeanSpeed: 20}
	bad := good
	bad.OffTrack = true
	assert.Less(t, good.Score(), bad.Score())

	wobbly := good
	wobbly.MeanAbsSteerChange = 0.3
	assert.Less(t, good.Score(), wobbly.Score())
}
