// Command sweep runs the controller around a simulated oval for every
// combination of the given cost weights and writes the ranked results to CSV.
//
// Usage:
//
//	sweep [flags] cte=1000:3000:500 steer_rate=50,200,800
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/velocity.pilot/internal/config"
	"github.com/banshee-data/velocity.pilot/internal/fsutil"
	"github.com/banshee-data/velocity.pilot/internal/monitoring"
	"github.com/banshee-data/velocity.pilot/internal/security"
	"github.com/banshee-data/velocity.pilot/internal/sim"
	"github.com/banshee-data/velocity.pilot/internal/sweep"
)

func main() {
	configPath := flag.String("config", "", "Tuning config JSON providing the base controller (defaults to built-in tuning)")
	output := flag.String("output", "", "Output CSV filename (defaults to sweep-<timestamp>.csv)")
	parallel := flag.Int("parallel", 0, "Concurrent simulations (0 uses GOMAXPROCS)")
	verbose := flag.Bool("verbose", false, "Keep per-tick controller logging")

	ticks := flag.Int("ticks", 300, "Ticks per simulated run")
	period := flag.Duration("period", 100*time.Millisecond, "Simulated time between telemetry frames")
	latency := flag.Duration("actuation-latency", 100*time.Millisecond, "Delay before commands reach the simulated vehicle")
	waypoints := flag.Int("waypoints", 6, "Waypoints per telemetry frame")
	initialSpeed := flag.Float64("initial-speed", 5, "Starting speed in m/s")

	straight := flag.Float64("track-straight", 120, "Oval straight length in metres")
	radius := flag.Float64("track-radius", 50, "Oval bend radius in metres")
	spacing := flag.Float64("track-spacing", 8, "Spacing between track waypoints in metres")
	trackFile := flag.String("track-file", "", "CSV of x,y track waypoints (overrides the oval)")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] name=min:max:step|v1,v2 ...\n\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Parameters: %s\n\nFlags:\n", strings.Join(sweep.ParamNames(), ", "))
		flag.PrintDefaults()
	}
	flag.Parse()

	grid, err := sweep.ParseGrid(flag.Args())
	if err != nil {
		log.Fatalf("Invalid parameter grid: %v", err)
	}

	tuning := config.DefaultTuningConfig()
	if *configPath != "" {
		if tuning, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	base := sim.DefaultConfig()
	base.Pilot = tuning.PilotConfig()
	base.Ticks = *ticks
	base.Period = *period
	base.ActuationLatency = *latency
	base.Waypoints = *waypoints
	base.InitialSpeed = *initialSpeed
	if err := base.Validate(); err != nil {
		log.Fatalf("Invalid simulation config: %v", err)
	}

	fsys := fsutil.OSFileSystem{}
	track := sim.Oval(*straight, *radius, *spacing)
	if *trackFile != "" {
		if track, err = sim.LoadTrack(fsys, *trackFile); err != nil {
			log.Fatalf("Failed to load track: %v", err)
		}
	}
	log.Printf("Track %s: %d waypoints, %.0f m", track.Name, len(track.Points), track.Length())
	log.Printf("Parameters: %s", strings.Join(grid.Names, ", "))

	filename := *output
	if filename == "" {
		filename = fmt.Sprintf("sweep-%s.csv", time.Now().Format("20060102-150405"))
	}
	if err := security.ValidateOutputPath(filename); err != nil {
		log.Fatalf("Invalid output path: %v", err)
	}
	if !*verbose {
		monitoring.SetLogger(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	results, err := sweep.Run(ctx, base, track, grid, sweep.Options{
		Parallel: *parallel,
		Progress: func(done, total int, r sweep.Result) {
			if r.Err != nil {
				log.Printf("[%d/%d] run %d failed: %v", done, total, r.Index, r.Err)
				return
			}
			log.Printf("[%d/%d] run %d: score=%.4f mean|cte|=%.3f off_track=%v",
				done, total, r.Index, r.Score, r.Metrics.MeanAbsCTE, r.Metrics.OffTrack)
		},
	})
	if err != nil {
		log.Fatalf("Sweep aborted: %v", err)
	}

	if err := sweep.WriteCSVFile(fsys, filename, grid, results); err != nil {
		log.Fatalf("Failed to write %s: %v", filename, err)
	}

	log.Printf("Sweep complete: %d runs in %v", len(results), time.Since(start).Round(time.Millisecond))
	if len(results) > 0 && results[0].Err == nil {
		best := results[0]
		var parts []string
		for _, name := range grid.Names {
			parts = append(parts, fmt.Sprintf("%s=%g", name, sweep.Param(best.Weights, name)))
		}
		log.Printf("Best: %s (score %.4f)", strings.Join(parts, " "), best.Score)
	}
	log.Printf("Results: %s", filename)
}
