package mpc

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/velocity.pilot/internal/nlp"
	"github.com/banshee-data/velocity.pilot/internal/units"
)

// Solver backend names accepted by Config.Backend.
const (
	BackendInteriorPoint       = "interior-point"
	BackendAugmentedLagrangian = "augmented-lagrangian"
)

// Weights are the cost-function weights. Each term is a sum of squares.
type Weights struct {
	CTE       float64 // cross-track error, every state
	EPsi      float64 // heading error, every state
	Speed     float64 // (v - RefSpeed), every state
	Steer     float64 // steering magnitude, every actuation
	Accel     float64 // acceleration magnitude, every actuation
	SteerRate float64 // change in steering between consecutive actuations
	AccelRate float64 // change in acceleration between consecutive actuations
}

// Config fixes everything a Controller needs. It is passed explicitly to New
// so independently configured controllers can run side by side.
type Config struct {
	Horizon  int           // number of states N, must be > 1
	Timestep time.Duration // spacing between states

	Lf       float64 // centre of mass to front axle, metres
	MaxSteer float64 // symmetric steering bound, radians
	AccelMin float64
	AccelMax float64
	RefSpeed float64 // cruise speed target, m/s
	Degree   int     // reference polynomial degree

	Weights Weights

	Backend       string // BackendInteriorPoint or BackendAugmentedLagrangian
	MaxIterations int    // interior-point iterations, or L-BFGS iterations per augmented-Lagrangian subproblem
	Tolerance     float64

	// WarmStart seeds each solve with the previous solve's actuations,
	// shifted one step forward, instead of a zero-actuation rollout.
	WarmStart bool
}

// DefaultConfig returns the controller configuration used when no tuning
// file overrides it.
func DefaultConfig() Config {
	return Config{
		Horizon:  10,
		Timestep: 100 * time.Millisecond,
		Lf:       2.67,
		MaxSteer: units.DegToRad(25),
		AccelMin: -1,
		AccelMax: 1,
		RefSpeed: 22,
		Degree:   3,
		Weights: Weights{
			CTE:       2000,
			EPsi:      2000,
			Speed:     1,
			Steer:     5,
			Accel:     5,
			SteerRate: 200,
			AccelRate: 10,
		},
		Backend:       BackendInteriorPoint,
		MaxIterations: 200,
		Tolerance:     1e-6,
	}
}

// Validate reports configuration that cannot produce a well-posed program.
func (c Config) Validate() error {
	switch {
	case c.Horizon <= 1:
		return fmt.Errorf("%w: horizon must be greater than 1, got %d", ErrDegenerateInput, c.Horizon)
	case c.Timestep <= 0:
		return fmt.Errorf("%w: timestep must be positive, got %s", ErrDegenerateInput, c.Timestep)
	case c.Lf <= 0:
		return fmt.Errorf("%w: lf must be positive, got %g", ErrDegenerateInput, c.Lf)
	case c.MaxSteer <= 0:
		return fmt.Errorf("%w: max steer must be positive, got %g", ErrDegenerateInput, c.MaxSteer)
	case c.AccelMin > c.AccelMax:
		return fmt.Errorf("%w: accel range [%g, %g] is empty", ErrDegenerateInput, c.AccelMin, c.AccelMax)
	case c.Degree < 1:
		return fmt.Errorf("%w: polynomial degree must be at least 1, got %d", ErrDegenerateInput, c.Degree)
	}
	w := c.Weights
	for _, v := range []float64{w.CTE, w.EPsi, w.Speed, w.Steer, w.Accel, w.SteerRate, w.AccelRate} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: cost weights must be finite and non-negative", ErrDegenerateInput)
		}
	}
	return nil
}

// newSolver builds the backend named by c.Backend.
func (c Config) newSolver() (nlp.Solver, error) {
	switch c.Backend {
	case "", BackendInteriorPoint:
		return &nlp.InteriorPoint{MaxIterations: c.MaxIterations, Tolerance: c.Tolerance}, nil
	case BackendAugmentedLagrangian:
		return &nlp.AugmentedLagrangian{MaxInnerIterations: c.MaxIterations, Tolerance: c.Tolerance}, nil
	default:
		return nil, fmt.Errorf("unknown solver backend %q", c.Backend)
	}
}
