// Package report renders recorded sessions as PNG plots.
package report

import (
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/velocity.pilot/internal/fsutil"
	"github.com/banshee-data/velocity.pilot/internal/pilot"
)

// ErrNoTicks is returned when there is nothing to plot.
var ErrNoTicks = errors.New("report: no ticks")

// Reference display for the plan panel.
const (
	refStep     = 2.0
	refDistance = 60.0
)

// PlotSession lays out three panels: tracking error and actuation over time,
// and the last tick's plan in the vehicle frame. The result writes a PNG.
func PlotSession(ticks []pilot.TickRecord, width, height vg.Length) (io.WriterTo, error) {
	if len(ticks) == 0 {
		return nil, ErrNoTicks
	}
	t0 := ticks[0].Time
	elapsed := func(i int) float64 { return ticks[i].Time.Sub(t0).Seconds() }

	tracking := newPlot(fmt.Sprintf("Session %s: tracking error", ticks[0].Session), "time (s)", "error")
	if err := addLines(tracking, len(ticks), elapsed,
		series{"cte (m)", func(i int) float64 { return ticks[i].CTE }},
		series{"epsi (rad)", func(i int) float64 { return ticks[i].EPsi }},
	); err != nil {
		return nil, err
	}

	actuation := newPlot("Actuation", "time (s)", "normalised")
	if err := addLines(actuation, len(ticks), elapsed,
		series{"steering", func(i int) float64 { return ticks[i].Steering }},
		series{"throttle", func(i int) float64 { return ticks[i].Throttle }},
	); err != nil {
		return nil, err
	}

	last := ticks[len(ticks)-1]
	plan := newPlot(fmt.Sprintf("Plan at tick %d (%s)", last.Seq, last.Status), "x (m)", "y (m)")
	if err := addPlan(plan, last); err != nil {
		return nil, err
	}

	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 3, Cols: 1, PadX: vg.Millimeter, PadY: 2 * vg.Millimeter}
	plots := [][]*plot.Plot{{tracking}, {actuation}, {plan}}
	canvases := plot.Align(plots, tiles, dc)
	for r := range plots {
		plots[r][0].Draw(canvases[r][0])
	}
	return vgimg.PngCanvas{Canvas: img}, nil
}

func newPlot(title, x, y string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = x
	p.Y.Label.Text = y
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p
}

type series struct {
	name string
	y    func(i int) float64
}

func addLines(p *plot.Plot, n int, x func(i int) float64, ss ...series) error {
	for k, s := range ss {
		pts := make(plotter.XYs, n)
		for i := range pts {
			pts[i] = plotter.XY{X: x(i), Y: s.y(i)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		line.Color = plotutil.Color(k)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	return nil
}

func addPlan(p *plot.Plot, rec pilot.TickRecord) error {
	if len(rec.Reference) > 0 {
		xs, ys := rec.Reference.Sample(refStep, refDistance)
		ref, err := plotter.NewLine(xyPairs(xs, ys))
		if err != nil {
			return err
		}
		ref.Color = plotutil.Color(2)
		ref.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(ref)
		p.Legend.Add("reference", ref)
	}
	if len(rec.PredictedX) > 0 {
		pred, err := plotter.NewScatter(xyPairs(rec.PredictedX, rec.PredictedY))
		if err != nil {
			return err
		}
		pred.Color = plotutil.Color(0)
		pred.Radius = vg.Points(2)
		p.Add(pred)
		p.Legend.Add("predicted", pred)
	}
	return nil
}

func xyPairs(xs, ys []float64) plotter.XYs {
	n := min(len(xs), len(ys))
	pts := make(plotter.XYs, n)
	for i := range pts {
		pts[i] = plotter.XY{X: xs[i], Y: ys[i]}
	}
	return pts
}

// WritePNG renders ticks with PlotSession and writes the PNG to path,
// creating parent directories as needed.
func WritePNG(fsys fsutil.FileSystem, path string, ticks []pilot.TickRecord, width, height vg.Length) error {
	img, err := PlotSession(ticks, width, height)
	if err != nil {
		return err
	}
	f, err := fsutil.CreateAll(fsys, path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := img.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
