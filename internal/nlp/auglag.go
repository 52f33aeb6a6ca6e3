package nlp

import (
	"context"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// AugmentedLagrangian is a method-of-multipliers solver. Equality constraints
// and bounds enter a Powell-Hestenes-Rockafellar augmented Lagrangian that is
// minimised without constraints by gonum's L-BFGS using exact gradients; the
// multipliers and penalty are updated between minimisations. The returned
// iterate is projected onto the bounds.
//
// It converges more slowly than InteriorPoint but needs only first
// derivatives, so it is useful as a cross-check and for problems whose
// Hessian is expensive.
type AugmentedLagrangian struct {
	MaxOuterIterations int     // default 30
	MaxInnerIterations int     // default 500
	Tolerance          float64 // feasibility and stationarity, default 1e-6
	InitialPenalty     float64 // default 10
}

const maxPenalty = 1e9

func (al *AugmentedLagrangian) params() (outer, inner int, tol, rho float64) {
	outer, inner, tol, rho = al.MaxOuterIterations, al.MaxInnerIterations, al.Tolerance, al.InitialPenalty
	if outer <= 0 {
		outer = 30
	}
	if inner <= 0 {
		inner = 500
	}
	if tol <= 0 {
		tol = 1e-6
	}
	if rho <= 0 {
		rho = 10
	}
	return outer, inner, tol, rho
}

// Solve implements Solver.
func (al *AugmentedLagrangian) Solve(ctx context.Context, p Problem, x0 []float64) (*Result, error) {
	start := time.Now()
	n, m, lower, upper, err := checkDims(p, x0)
	if err != nil {
		return nil, err
	}
	maxOuter, maxInner, tol, rho := al.params()

	x := append([]float64(nil), x0...)
	project(x, lower, upper)

	lambda := make([]float64, m)
	nuL := make([]float64, n)
	nuU := make([]float64, n)
	c := make([]float64, m)
	jac := mat.NewDense(m, n, nil)
	shifted := make([]float64, m)

	lagrangian := func(x []float64) float64 {
		p.Constraints(c, x)
		f := p.Objective(x) + floats.Dot(lambda, c) + 0.5*rho*floats.Dot(c, c)
		for i := 0; i < n; i++ {
			if !math.IsInf(lower[i], -1) {
				t := math.Max(0, nuL[i]+rho*(lower[i]-x[i]))
				f += (t*t - nuL[i]*nuL[i]) / (2 * rho)
			}
			if !math.IsInf(upper[i], 1) {
				t := math.Max(0, nuU[i]+rho*(x[i]-upper[i]))
				f += (t*t - nuU[i]*nuU[i]) / (2 * rho)
			}
		}
		return f
	}
	gradient := func(grad, x []float64) {
		p.Gradient(grad, x)
		p.Constraints(c, x)
		jac.Zero()
		p.Jacobian(jac, x)
		for i := 0; i < m; i++ {
			shifted[i] = lambda[i] + rho*c[i]
		}
		for i := 0; i < m; i++ {
			if shifted[i] != 0 {
				floats.AddScaled(grad, shifted[i], jac.RawRowView(i))
			}
		}
		for i := 0; i < n; i++ {
			if !math.IsInf(lower[i], -1) {
				grad[i] -= math.Max(0, nuL[i]+rho*(lower[i]-x[i]))
			}
			if !math.IsInf(upper[i], 1) {
				grad[i] += math.Max(0, nuU[i]+rho*(x[i]-upper[i]))
			}
		}
	}

	violation := func(x []float64) float64 {
		p.Constraints(c, x)
		v := floats.Norm(c, math.Inf(1))
		for i := 0; i < n; i++ {
			v = math.Max(v, math.Max(lower[i]-x[i], x[i]-upper[i]))
		}
		return v
	}

	// interrupt ends an inner minimisation once ctx is done.
	interrupt := func() (optimize.Status, error) {
		if ctx.Err() != nil {
			return optimize.RuntimeLimit, nil
		}
		return optimize.NotTerminated, nil
	}

	status := IterationLimit
	prevViol := math.Inf(1)
	iterations := 0
	grad := make([]float64, n)

outer:
	for k := 0; k < maxOuter; k++ {
		if ctx.Err() != nil {
			status = Canceled
			break
		}

		settings := &optimize.Settings{
			GradientThreshold: tol,
			MajorIterations:   maxInner,
			Converger:         &optimize.FunctionConverge{Absolute: 1e-14, Relative: 1e-14, Iterations: 50},
		}
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				status = Canceled
				break
			}
			settings.Runtime = remaining
		}

		res, err := optimize.Minimize(optimize.Problem{Func: lagrangian, Grad: gradient, Status: interrupt}, x, settings, &optimize.LBFGS{})
		if res != nil {
			iterations += res.Stats.MajorIterations
			if allFinite(res.X) {
				copy(x, res.X)
			}
		}
		if err != nil && res == nil {
			status = Infeasible
			break
		}
		if ctx.Err() != nil {
			status = Canceled
			break
		}

		viol := violation(x)
		for i := 0; i < m; i++ {
			lambda[i] += rho * c[i]
		}
		for i := 0; i < n; i++ {
			if !math.IsInf(lower[i], -1) {
				nuL[i] = math.Max(0, nuL[i]+rho*(lower[i]-x[i]))
			}
			if !math.IsInf(upper[i], 1) {
				nuU[i] = math.Max(0, nuU[i]+rho*(x[i]-upper[i]))
			}
		}

		// Stationarity of the plain Lagrangian with the updated multipliers.
		p.Gradient(grad, x)
		jac.Zero()
		p.Jacobian(jac, x)
		for i := 0; i < m; i++ {
			floats.AddScaled(grad, lambda[i], jac.RawRowView(i))
		}
		for i := 0; i < n; i++ {
			grad[i] += nuU[i] - nuL[i]
		}
		scale := math.Max(1, floats.Norm(lambda, math.Inf(1))/scaleMax)
		if viol <= tol && floats.Norm(grad, math.Inf(1))/scale <= math.Sqrt(tol) {
			status = Converged
			break outer
		}

		if viol > 0.25*prevViol {
			rho = math.Min(10*rho, maxPenalty)
		}
		prevViol = viol
	}

	project(x, lower, upper)
	p.Constraints(c, x)
	res := &Result{
		X:          x,
		Lambda:     lambda,
		Objective:  p.Objective(x),
		Violation:  floats.Norm(c, math.Inf(1)),
		Status:     status,
		Iterations: iterations,
		Runtime:    time.Since(start),
	}
	return res, statusError(status, ctx.Err())
}

func project(x, lower, upper []float64) {
	for i := range x {
		x[i] = math.Min(math.Max(x[i], lower[i]), upper[i])
	}
}
