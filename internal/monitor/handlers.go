package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/velocity.pilot/internal/httputil"
	"github.com/banshee-data/velocity.pilot/internal/pilot"
	"github.com/banshee-data/velocity.pilot/internal/units"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// AttachAdminRoutes mounts the controller dashboard and status on the debug
// handler.
func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("pilot", "Controller dashboard", http.HandlerFunc(m.handleDashboard))
	debug.Handle("pilot-status", "Controller status (JSON)", http.HandlerFunc(m.handleStatus))
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, m.Status())
}

func (m *Monitor) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ticks := m.Snapshot()

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(trackingChart(ticks), actuationChart(ticks), solverChart(ticks))
	if len(ticks) > 0 {
		page.AddCharts(pathChart(ticks[len(ticks)-1]))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func newLine(title, subtitle string, ticks []pilot.TickRecord) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "tick"}),
	)
	seq := make([]string, len(ticks))
	for i, t := range ticks {
		seq[i] = strconv.FormatUint(t.Seq, 10)
	}
	line.SetXAxis(seq)
	return line
}

func series(ticks []pilot.TickRecord, f func(pilot.TickRecord) float64) []opts.LineData {
	out := make([]opts.LineData, len(ticks))
	for i, t := range ticks {
		out[i] = opts.LineData{Value: f(t)}
	}
	return out
}

func trackingChart(ticks []pilot.TickRecord) *charts.Line {
	line := newLine("Tracking error", fmt.Sprintf("%d ticks", len(ticks)), ticks)
	line.AddSeries("cte (m)", series(ticks, func(t pilot.TickRecord) float64 { return t.CTE })).
		AddSeries("epsi (deg)", series(ticks, func(t pilot.TickRecord) float64 { return units.RadToDeg(t.EPsi) }))
	return line
}

func actuationChart(ticks []pilot.TickRecord) *charts.Line {
	line := newLine("Actuation", "normalised wire values", ticks)
	line.AddSeries("steering", series(ticks, func(t pilot.TickRecord) float64 { return t.Steering })).
		AddSeries("throttle", series(ticks, func(t pilot.TickRecord) float64 { return t.Throttle }))
	return line
}

func solverChart(ticks []pilot.TickRecord) *charts.Line {
	line := newLine("Solver", "solve time (ms)", ticks)
	line.AddSeries("solve", series(ticks, func(t pilot.TickRecord) float64 { return durationMS(t.SolveTime) }))
	return line
}

// pathChart draws the reference and the predicted trajectory of one tick in
// the vehicle frame.
func pathChart(last pilot.TickRecord) *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Plan", Subtitle: fmt.Sprintf("session=%s tick=%d status=%s", last.Session, last.Seq, last.Status)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "x (m)", Type: "value"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "y (m)", Type: "value"}),
	)

	var ref []opts.ScatterData
	if len(last.Reference) > 0 {
		xs, ys := last.Reference.Sample(2, 60)
		ref = xyData(xs, ys)
	}
	scatter.AddSeries("reference", ref, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("predicted", xyData(last.PredictedX, last.PredictedY),
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	return scatter
}

func xyData(xs, ys []float64) []opts.ScatterData {
	n := min(len(xs), len(ys))
	out := make([]opts.ScatterData, n)
	for i := 0; i < n; i++ {
		out[i] = opts.ScatterData{Value: []interface{}{xs[i], ys[i]}}
	}
	return out
}
