package mpc

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/velocity.pilot/internal/vehicle"
)

// horizonProblem is the finite-horizon program as an nlp.Problem.
//
// Variables are laid out component-major: N values of x, then N of y, psi, v,
// cte and epsi, followed by N-1 steering values and N-1 accelerations.
// Constraint rows share the state layout: row k*N is the initial pin of
// component k and row k*N+t+1 is the defect of component k between states t
// and t+1.
type horizonProblem struct {
	cfg     Config
	n       int
	initial vehicle.State
	model   Dynamics

	// scratch
	da, db *mat.Dense
	curv   *mat.SymDense
}

func newHorizonProblem(cfg Config, initial vehicle.State, model Dynamics) *horizonProblem {
	return &horizonProblem{
		cfg:     cfg,
		n:       cfg.Horizon,
		initial: initial,
		model:   model,
		da:      mat.NewDense(vehicle.StateSize, vehicle.StateSize, nil),
		db:      mat.NewDense(vehicle.StateSize, vehicle.ActuationSize, nil),
		curv:    mat.NewSymDense(vehicle.InputSize, nil),
	}
}

// stateIdx is the variable index of state component k at step t.
func (p *horizonProblem) stateIdx(k, t int) int { return k*p.n + t }

// actIdx is the variable index of actuation component j at step t.
func (p *horizonProblem) actIdx(j, t int) int {
	return vehicle.StateSize*p.n + j*(p.n-1) + t
}

// inputIdx maps a transition input (state then actuation) at step t to its
// variable index.
func (p *horizonProblem) inputIdx(i, t int) int {
	if i < vehicle.StateSize {
		return p.stateIdx(i, t)
	}
	return p.actIdx(i-vehicle.StateSize, t)
}

func (p *horizonProblem) Dims() (int, int) {
	return vehicle.StateSize*p.n + vehicle.ActuationSize*(p.n-1), vehicle.StateSize * p.n
}

func (p *horizonProblem) Bounds(lower, upper []float64) {
	for i := range lower {
		lower[i], upper[i] = math.Inf(-1), math.Inf(1)
	}
	for t := 0; t < p.n-1; t++ {
		lower[p.actIdx(vehicle.Steer, t)] = -p.cfg.MaxSteer
		upper[p.actIdx(vehicle.Steer, t)] = p.cfg.MaxSteer
		lower[p.actIdx(vehicle.Accel, t)] = p.cfg.AccelMin
		upper[p.actIdx(vehicle.Accel, t)] = p.cfg.AccelMax
	}
}

func (p *horizonProblem) state(z []float64, t int) vehicle.State {
	var s vehicle.State
	for k := range s {
		s[k] = z[p.stateIdx(k, t)]
	}
	return s
}

func (p *horizonProblem) actuation(z []float64, t int) vehicle.Actuation {
	var u vehicle.Actuation
	for j := range u {
		u[j] = z[p.actIdx(j, t)]
	}
	return u
}

func (p *horizonProblem) Objective(z []float64) float64 {
	w := p.cfg.Weights
	var cost float64
	for t := 0; t < p.n; t++ {
		cte := z[p.stateIdx(vehicle.CTE, t)]
		epsi := z[p.stateIdx(vehicle.EPsi, t)]
		dv := z[p.stateIdx(vehicle.V, t)] - p.cfg.RefSpeed
		cost += w.CTE*cte*cte + w.EPsi*epsi*epsi + w.Speed*dv*dv
	}
	for t := 0; t < p.n-1; t++ {
		d := z[p.actIdx(vehicle.Steer, t)]
		a := z[p.actIdx(vehicle.Accel, t)]
		cost += w.Steer*d*d + w.Accel*a*a
	}
	for t := 0; t < p.n-2; t++ {
		dd := z[p.actIdx(vehicle.Steer, t+1)] - z[p.actIdx(vehicle.Steer, t)]
		da := z[p.actIdx(vehicle.Accel, t+1)] - z[p.actIdx(vehicle.Accel, t)]
		cost += w.SteerRate*dd*dd + w.AccelRate*da*da
	}
	return cost
}

func (p *horizonProblem) Gradient(grad, z []float64) {
	w := p.cfg.Weights
	for i := range grad {
		grad[i] = 0
	}
	for t := 0; t < p.n; t++ {
		grad[p.stateIdx(vehicle.CTE, t)] = 2 * w.CTE * z[p.stateIdx(vehicle.CTE, t)]
		grad[p.stateIdx(vehicle.EPsi, t)] = 2 * w.EPsi * z[p.stateIdx(vehicle.EPsi, t)]
		grad[p.stateIdx(vehicle.V, t)] = 2 * w.Speed * (z[p.stateIdx(vehicle.V, t)] - p.cfg.RefSpeed)
	}
	for t := 0; t < p.n-1; t++ {
		grad[p.actIdx(vehicle.Steer, t)] += 2 * w.Steer * z[p.actIdx(vehicle.Steer, t)]
		grad[p.actIdx(vehicle.Accel, t)] += 2 * w.Accel * z[p.actIdx(vehicle.Accel, t)]
	}
	rates := [vehicle.ActuationSize]float64{vehicle.Steer: w.SteerRate, vehicle.Accel: w.AccelRate}
	for j, wr := range rates {
		for t := 0; t < p.n-2; t++ {
			i0, i1 := p.actIdx(j, t), p.actIdx(j, t+1)
			g := 2 * wr * (z[i1] - z[i0])
			grad[i1] += g
			grad[i0] -= g
		}
	}
}

func (p *horizonProblem) Constraints(c, z []float64) {
	for k := 0; k < vehicle.StateSize; k++ {
		c[p.stateIdx(k, 0)] = z[p.stateIdx(k, 0)] - p.initial[k]
	}
	for t := 0; t < p.n-1; t++ {
		next := p.model.Step(p.state(z, t), p.actuation(z, t))
		for k := 0; k < vehicle.StateSize; k++ {
			c[p.stateIdx(k, t+1)] = z[p.stateIdx(k, t+1)] - next[k]
		}
	}
}

func (p *horizonProblem) Jacobian(dst *mat.Dense, z []float64) {
	for k := 0; k < vehicle.StateSize; k++ {
		dst.Set(p.stateIdx(k, 0), p.stateIdx(k, 0), 1)
	}
	for t := 0; t < p.n-1; t++ {
		p.model.Linearize(p.state(z, t), p.actuation(z, t), p.da, p.db)
		for k := 0; k < vehicle.StateSize; k++ {
			row := p.stateIdx(k, t+1)
			dst.Set(row, row, 1)
			for i := 0; i < vehicle.StateSize; i++ {
				if v := p.da.At(k, i); v != 0 {
					dst.Set(row, p.stateIdx(i, t), -v)
				}
			}
			for j := 0; j < vehicle.ActuationSize; j++ {
				if v := p.db.At(k, j); v != 0 {
					dst.Set(row, p.actIdx(j, t), -v)
				}
			}
		}
	}
}

func (p *horizonProblem) Hessian(dst *mat.SymDense, z, lambda []float64) {
	w := p.cfg.Weights
	add := func(i, j int, v float64) {
		dst.SetSym(i, j, dst.At(i, j)+v)
	}

	for t := 0; t < p.n; t++ {
		add(p.stateIdx(vehicle.CTE, t), p.stateIdx(vehicle.CTE, t), 2*w.CTE)
		add(p.stateIdx(vehicle.EPsi, t), p.stateIdx(vehicle.EPsi, t), 2*w.EPsi)
		add(p.stateIdx(vehicle.V, t), p.stateIdx(vehicle.V, t), 2*w.Speed)
	}
	for t := 0; t < p.n-1; t++ {
		add(p.actIdx(vehicle.Steer, t), p.actIdx(vehicle.Steer, t), 2*w.Steer)
		add(p.actIdx(vehicle.Accel, t), p.actIdx(vehicle.Accel, t), 2*w.Accel)
	}
	rates := [vehicle.ActuationSize]float64{vehicle.Steer: w.SteerRate, vehicle.Accel: w.AccelRate}
	for j, wr := range rates {
		for t := 0; t < p.n-2; t++ {
			i0, i1 := p.actIdx(j, t), p.actIdx(j, t+1)
			add(i0, i0, 2*wr)
			add(i1, i1, 2*wr)
			add(i0, i1, -2*wr)
		}
	}

	// Defect rows are z_{t+1} - F(z_t), so their curvature enters negated.
	for t := 0; t < p.n-1; t++ {
		var mult vehicle.State
		nonzero := false
		for k := range mult {
			mult[k] = -lambda[p.stateIdx(k, t+1)]
			nonzero = nonzero || mult[k] != 0
		}
		if !nonzero {
			continue
		}
		p.model.Curvature(p.state(z, t), p.actuation(z, t), mult, p.curv)
		for a := 0; a < vehicle.InputSize; a++ {
			for b := a; b < vehicle.InputSize; b++ {
				v := p.curv.At(a, b)
				if v == 0 {
					continue
				}
				add(p.inputIdx(a, t), p.inputIdx(b, t), v)
			}
		}
	}
}

// rollout fills z with the trajectory obtained by applying us from initial.
// The result satisfies every equality constraint exactly.
func (p *horizonProblem) rollout(z []float64, us []vehicle.Actuation) {
	s := p.initial
	for t := 0; t < p.n; t++ {
		for k := range s {
			z[p.stateIdx(k, t)] = s[k]
		}
		if t == p.n-1 {
			break
		}
		u := us[t]
		for j := range u {
			z[p.actIdx(j, t)] = u[j]
		}
		s = p.model.Step(s, u)
	}
}
