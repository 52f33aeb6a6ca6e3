// Package mpc is the receding-horizon trajectory optimiser. Each Solve builds
// a finite-horizon nonlinear program over the kinematic bicycle model, hands
// it to an nlp.Solver and returns the predicted states and actuations. Only
// the first actuation is meant to be applied; the rest is for display and
// for warm-starting the next solve.
package mpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/velocity.pilot/internal/monitoring"
	"github.com/banshee-data/velocity.pilot/internal/nlp"
	"github.com/banshee-data/velocity.pilot/internal/polyfit"
	"github.com/banshee-data/velocity.pilot/internal/vehicle"
)

// ErrDegenerateInput reports a horizon, polynomial or initial state that
// cannot form a well-posed program. It is returned before any solve starts.
var ErrDegenerateInput = errors.New("mpc: degenerate input")

var logf = monitoring.Prefixed("mpc")

// Dynamics is a differentiable transition model: the value of one step and
// its exact first and second derivatives.
type Dynamics interface {
	Step(s vehicle.State, u vehicle.Actuation) vehicle.State
	Linearize(s vehicle.State, u vehicle.Actuation, da, db *mat.Dense)
	Curvature(s vehicle.State, u vehicle.Actuation, w vehicle.State, dst *mat.SymDense)
}

// DynamicsFactory builds the transition model for one solve.
type DynamicsFactory func(lf, dt float64, ref polyfit.Polynomial) Dynamics

// BicycleDynamics is the default factory.
func BicycleDynamics(lf, dt float64, ref polyfit.Polynomial) Dynamics {
	return vehicle.NewBicycle(lf, dt, ref)
}

// Result is one solved horizon. States has Horizon entries and Actuations
// Horizon-1. States[0] is the initial state passed to Solve.
type Result struct {
	States     []vehicle.State
	Actuations []vehicle.Actuation

	Status     nlp.Status
	Iterations int
	Cost       float64
	Violation  float64
	Elapsed    time.Duration
}

// First returns the actuation to apply now.
func (r *Result) First() vehicle.Actuation {
	if r == nil || len(r.Actuations) == 0 {
		return vehicle.Actuation{}
	}
	return r.Actuations[0]
}

// Second returns the actuation predicted for the following step, or zero when
// the horizon has no second actuation.
func (r *Result) Second() vehicle.Actuation {
	if r == nil || len(r.Actuations) < 2 {
		return vehicle.Actuation{}
	}
	return r.Actuations[1]
}

// PredictedXY returns the predicted positions after the initial state, in the
// vehicle frame the solve ran in.
func (r *Result) PredictedXY() (xs, ys []float64) {
	if r == nil || len(r.States) < 2 {
		return nil, nil
	}
	xs = make([]float64, 0, len(r.States)-1)
	ys = make([]float64, 0, len(r.States)-1)
	for _, s := range r.States[1:] {
		xs = append(xs, s[vehicle.X])
		ys = append(ys, s[vehicle.Y])
	}
	return xs, ys
}

// Controller owns a configuration and a solver backend. It keeps no state
// between solves and is safe for sequential use by one goroutine.
type Controller struct {
	cfg      Config
	solver   nlp.Solver
	dynamics DynamicsFactory
}

// Option customises a Controller.
type Option func(*Controller)

// WithSolver overrides the backend named in the configuration.
func WithSolver(s nlp.Solver) Option {
	return func(c *Controller) { c.solver = s }
}

// WithDynamics overrides the transition model.
func WithDynamics(f DynamicsFactory) Option {
	return func(c *Controller) { c.dynamics = f }
}

// New validates cfg and builds a Controller.
func New(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{cfg: cfg, dynamics: BicycleDynamics}
	for _, opt := range opts {
		opt(c)
	}
	if c.solver == nil {
		s, err := cfg.newSolver()
		if err != nil {
			return nil, err
		}
		c.solver = s
	}
	return c, nil
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config { return c.cfg }

// Solve plans from initial along ref. warm is the previous result and is only
// used when the configuration enables warm starts; it may be nil.
//
// Degenerate inputs fail with ErrDegenerateInput. Solver outcomes other than
// convergence are logged and reported in Result.Status; the best iterate is
// returned with a nil error.
func (c *Controller) Solve(ctx context.Context, initial vehicle.State, ref polyfit.Polynomial, warm *Result) (*Result, error) {
	if len(ref) != c.cfg.Degree+1 {
		return nil, fmt.Errorf("%w: reference has %d coefficients, want %d", ErrDegenerateInput, len(ref), c.cfg.Degree+1)
	}
	for _, v := range ref {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite reference coefficient", ErrDegenerateInput)
		}
	}
	if !initial.IsFinite() {
		return nil, fmt.Errorf("%w: non-finite initial state %v", ErrDegenerateInput, initial)
	}

	start := time.Now()
	model := c.dynamics(c.cfg.Lf, c.cfg.Timestep.Seconds(), ref)
	prob := newHorizonProblem(c.cfg, initial, model)
	n, _ := prob.Dims()

	z0 := make([]float64, n)
	prob.rollout(z0, c.seedActuations(warm))

	res, err := c.solver.Solve(ctx, prob, z0)
	if res == nil {
		// Only dimension errors come back without an iterate.
		return nil, fmt.Errorf("%w: %w", ErrDegenerateInput, err)
	}
	if err != nil {
		logf("solve ended %s after %d iterations (violation %.3g): %v", res.Status, res.Iterations, res.Violation, err)
	}

	out := &Result{
		States:     make([]vehicle.State, c.cfg.Horizon),
		Actuations: make([]vehicle.Actuation, c.cfg.Horizon-1),
		Status:     res.Status,
		Iterations: res.Iterations,
		Cost:       res.Objective,
		Violation:  res.Violation,
	}
	for t := range out.States {
		out.States[t] = prob.state(res.X, t)
	}
	for t := range out.Actuations {
		out.Actuations[t] = prob.actuation(res.X, t)
	}
	// The pins hold to solver tolerance; report the exact initial state.
	out.States[0] = initial
	out.Elapsed = time.Since(start)
	return out, nil
}

// seedActuations picks the actuation sequence the starting trajectory is
// rolled out from.
func (c *Controller) seedActuations(warm *Result) []vehicle.Actuation {
	us := make([]vehicle.Actuation, c.cfg.Horizon-1)
	if !c.cfg.WarmStart || warm == nil || len(warm.Actuations) == 0 {
		return us
	}
	for t := range us {
		src := t + 1
		if src >= len(warm.Actuations) {
			src = len(warm.Actuations) - 1
		}
		u := warm.Actuations[src]
		u[vehicle.Steer] = clamp(u[vehicle.Steer], -c.cfg.MaxSteer, c.cfg.MaxSteer)
		u[vehicle.Accel] = clamp(u[vehicle.Accel], c.cfg.AccelMin, c.cfg.AccelMax)
		us[t] = u
	}
	return us
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, lo), hi)
}
