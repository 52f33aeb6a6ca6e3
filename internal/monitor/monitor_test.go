package monitor

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velocity.pilot/internal/pilot"
	"github.com/banshee-data/velocity.pilot/internal/polyfit"
	"github.com/banshee-data/velocity.pilot/internal/testutil"
)

func rec(seq uint64, cte float64, solve time.Duration) pilot.TickRecord {
	return pilot.TickRecord{
		Session:    "s",
		Seq:        seq,
		CTE:        cte,
		SolveTime:  solve,
		Status:     "converged",
		Reference:  polyfit.Polynomial{cte, 0.01},
		PredictedX: []float64{1, 2, 3},
		PredictedY: []float64{cte, cte, cte},
	}
}

func TestMonitor_RingBuffer(t *testing.T) {
	m := New(3)
	assert.Empty(t, m.Snapshot())

	for seq := uint64(1); seq <= 5; seq++ {
		m.ObserveTick(rec(seq, 0, 0))
	}
	snap := m.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{snap[0].Seq, snap[1].Seq, snap[2].Seq})
}

func TestMonitor_Status(t *testing.T) {
	m := New(0)
	assert.Equal(t, Status{}, m.Status())

	m.ObserveTick(rec(1, -0.5, 10*time.Millisecond))
	m.ObserveTick(rec(2, 0.25, 30*time.Millisecond))
	fb := rec(3, 0.75, 80*time.Millisecond)
	fb.Fallback, fb.Status = true, pilot.StatusDeadline
	m.ObserveTick(fb)

	s := m.Status()
	assert.Equal(t, uint64(3), s.Ticks)
	assert.Equal(t, 3, s.Buffered)
	assert.Equal(t, uint64(1), s.Fallbacks)
	assert.Equal(t, uint64(1), s.Failures)
	assert.Equal(t, uint64(3), s.LastSeq)
	assert.Equal(t, pilot.StatusDeadline, s.LastStatus)
	assert.InDelta(t, 0.5, s.MeanAbsCTE, 1e-12)
	assert.InDelta(t, 0.75, s.MaxAbsCTE, 1e-12)
	assert.InDelta(t, 40, s.MeanSolveMS, 1e-9)
	assert.InDelta(t, 80, s.MaxSolveMS, 1e-9)
}

func TestAttachAdminRoutes(t *testing.T) {
	m := New(10)
	m.ObserveTick(rec(1, 0.1, time.Millisecond))
	m.ObserveTick(rec(2, 0.2, 2*time.Millisecond))

	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/debug/pilot")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "cte (m)")
	assert.Contains(t, string(body), "predicted")

	resp, err = http.Get(ts.URL + "/debug/pilot-status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var s Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	assert.Equal(t, uint64(2), s.Ticks)
	assert.Equal(t, uint64(2), s.LastSeq)

	post, err := http.Post(ts.URL+"/debug/pilot-status", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestDashboard_Empty(t *testing.T) {
	m := New(10)
	w := httptest.NewRecorder()
	m.handleDashboard(w, httptest.NewRequest(http.MethodGet, "/debug/pilot", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.NotContains(t, w.Body.String(), "predicted")
}

func TestTrackingChart_HeadingErrorInDegrees(t *testing.T) {
	ticks := []pilot.TickRecord{{EPsi: math.Pi / 6}, {EPsi: -math.Pi / 36}}
	line := trackingChart(ticks)
	require.Len(t, line.MultiSeries, 2)
	assert.Equal(t, "epsi (deg)", line.MultiSeries[1].Name)

	data, ok := line.MultiSeries[1].Data.([]opts.LineData)
	require.True(t, ok)
	require.Len(t, data, 2)
	assert.InDelta(t, 30.0, data[0].Value, 1e-9)
	assert.InDelta(t, -5.0, data[1].Value, 1e-9)
}
