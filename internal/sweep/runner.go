package sweep

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/velocity.pilot/internal/monitoring"
	"github.com/banshee-data/velocity.pilot/internal/mpc"
	"github.com/banshee-data/velocity.pilot/internal/sim"
)

var logf = monitoring.Prefixed("sweep")

// Result is one simulated run of the sweep.
type Result struct {
	Index   int
	Weights mpc.Weights
	Metrics sim.Metrics
	Score   float64
	Err     error
}

// Options tune a sweep.
type Options struct {
	// Parallel bounds concurrent simulations; zero uses GOMAXPROCS.
	Parallel int
	// Progress, if set, is called after each run from the run's goroutine.
	Progress func(done, total int, r Result)
}

// Run simulates every weight combination of grid on track and returns the
// results best first. A failing run is recorded in its Result and does not
// stop the sweep; only ctx cancellation does.
func Run(ctx context.Context, base sim.Config, track sim.Track, grid Grid, opts Options) ([]Result, error) {
	combos, err := grid.Combinations(base.Pilot.Controller.Weights)
	if err != nil {
		return nil, err
	}
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = runtime.GOMAXPROCS(0)
	}

	results := make([]Result, len(combos))
	done := make(chan struct{}, len(combos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, w := range combos {
		g.Go(func() error {
			cfg := base
			cfg.Pilot.Controller.Weights = w
			m, err := sim.Run(gctx, cfg, track)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			r := Result{Index: i, Weights: w, Metrics: m, Score: m.Score(), Err: err}
			if err != nil {
				logf("run %d: %v", i, err)
			}
			results[i] = r
			done <- struct{}{}
			if opts.Progress != nil {
				opts.Progress(len(done), len(combos), r)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	Rank(results)
	return results, nil
}

// Rank orders results best first: successful runs by ascending score, then
// failed runs by index.
func Rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if (a.Err == nil) != (b.Err == nil) {
			return a.Err == nil
		}
		if a.Err != nil {
			return a.Index < b.Index
		}
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		return a.Index < b.Index
	})
}
