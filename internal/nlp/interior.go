package nlp

import (
	"context"
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Barrier and step-control constants. The names follow the usual primal-dual
// interior-point literature.
const (
	boundPush        = 1e-2 // relative push of x0 into the bound interior
	kappaEpsilon     = 10   // barrier subproblem tolerance factor
	kappaMu          = 0.2  // linear barrier decrease factor
	thetaMu          = 1.5  // superlinear barrier decrease exponent
	kappaSigma       = 1e10 // bound-multiplier safeguard
	scaleMax         = 100  // optimality-error scaling threshold
	armijoEta        = 1e-4 // sufficient decrease factor
	maxBacktracks    = 40
	minRegularizer   = 1e-20
	maxRegularizer   = 1e20
	firstRegularizer = 1e-4 // first Hessian shift when one is needed
)

// InteriorPoint is a primal-dual log-barrier solver. Each iteration solves
// the full KKT system with dense LU, backtracks along an l1 merit function
// and keeps iterates strictly inside the bounds with a fraction-to-boundary
// rule. The Lagrangian Hessian is shifted by a multiple of the identity when
// the step shows negative curvature.
//
// A zero value is usable; zero fields take defaults.
type InteriorPoint struct {
	MaxIterations  int     // default 200
	Tolerance      float64 // scaled optimality tolerance, default 1e-6
	InitialBarrier float64 // default 0.1
}

func (ip *InteriorPoint) maxIterations() int {
	if ip.MaxIterations <= 0 {
		return 200
	}
	return ip.MaxIterations
}

func (ip *InteriorPoint) tolerance() float64 {
	if ip.Tolerance <= 0 {
		return 1e-6
	}
	return ip.Tolerance
}

func (ip *InteriorPoint) initialBarrier() float64 {
	if ip.InitialBarrier <= 0 {
		return 0.1
	}
	return ip.InitialBarrier
}

// ipState is the working set of one solve.
type ipState struct {
	p    Problem
	n, m int

	lower, upper []float64
	hasL, hasU   []bool

	x, lambda, zl, zu []float64
	mu                float64

	grad, c []float64
	jac     *mat.Dense
	hess    *mat.SymDense

	kkt      *mat.Dense
	rhs, sol *mat.VecDense

	dx, lambdaPlus, dzl, dzu []float64
	trial                    []float64
	trialC                   []float64

	nu        float64 // l1 merit penalty
	lastShift float64 // Hessian shift used on the previous iteration
}

// Solve implements Solver.
func (ip *InteriorPoint) Solve(ctx context.Context, p Problem, x0 []float64) (*Result, error) {
	start := time.Now()
	n, m, lower, upper, err := checkDims(p, x0)
	if err != nil {
		return nil, err
	}

	st := &ipState{
		p: p, n: n, m: m,
		lower: lower, upper: upper,
		hasL: make([]bool, n), hasU: make([]bool, n),
		x: make([]float64, n), lambda: make([]float64, m),
		zl: make([]float64, n), zu: make([]float64, n),
		mu:   ip.initialBarrier(),
		grad: make([]float64, n), c: make([]float64, m),
		jac:  mat.NewDense(m, n, nil),
		hess: mat.NewSymDense(n, nil),
		kkt:  mat.NewDense(n+m, n+m, nil),
		rhs:  mat.NewVecDense(n+m, nil),
		sol:  mat.NewVecDense(n+m, nil),
		dx:   make([]float64, n), lambdaPlus: make([]float64, m),
		dzl: make([]float64, n), dzu: make([]float64, n),
		trial: make([]float64, n), trialC: make([]float64, m),
	}
	st.initialize(x0)

	tol := ip.tolerance()
	maxIter := ip.maxIterations()

	bestX := append([]float64(nil), st.x...)
	bestLambda := append([]float64(nil), st.lambda...)
	bestErr := math.Inf(1)

	finish := func(status Status, iter int, useBest bool) (*Result, error) {
		x, lambda := st.x, st.lambda
		if useBest {
			x, lambda = bestX, bestLambda
		}
		c := make([]float64, m)
		p.Constraints(c, x)
		res := &Result{
			X:          append([]float64(nil), x...),
			Lambda:     append([]float64(nil), lambda...),
			Objective:  p.Objective(x),
			Violation:  floats.Norm(c, math.Inf(1)),
			Status:     status,
			Iterations: iter,
			Runtime:    time.Since(start),
		}
		return res, statusError(status, ctx.Err())
	}

	for iter := 0; ; iter++ {
		if ctx.Err() != nil {
			return finish(Canceled, iter, true)
		}

		st.evaluate()
		e0 := st.optimalityError(0)
		if e0 < bestErr && allFinite(st.x) {
			bestErr = e0
			copy(bestX, st.x)
			copy(bestLambda, st.lambda)
		}
		if e0 <= tol {
			return finish(Converged, iter, false)
		}
		if iter >= maxIter {
			return finish(IterationLimit, iter, true)
		}

		for st.mu > tol/10 && st.optimalityError(st.mu) <= kappaEpsilon*st.mu {
			st.mu = math.Max(tol/10, math.Min(kappaMu*st.mu, math.Pow(st.mu, thetaMu)))
		}

		st.hess.Zero()
		p.Hessian(st.hess, st.x, st.lambda)

		if !st.computeStep() {
			return finish(Infeasible, iter, true)
		}
		st.lineSearchAndUpdate()
	}
}

// initialize pushes x0 strictly inside the bounds and seeds the multipliers.
func (st *ipState) initialize(x0 []float64) {
	copy(st.x, x0)
	for i := 0; i < st.n; i++ {
		l, u := st.lower[i], st.upper[i]
		st.hasL[i] = !math.IsInf(l, -1)
		st.hasU[i] = !math.IsInf(u, 1)

		switch {
		case st.hasL[i] && st.hasU[i]:
			if u-l == 0 {
				// Fixed variable: keep a tiny interior so the barrier is
				// defined.
				u += 1e-12
				st.upper[i] = u
			}
			pl := math.Min(boundPush*math.Max(1, math.Abs(l)), boundPush*(u-l))
			pu := math.Min(boundPush*math.Max(1, math.Abs(u)), boundPush*(u-l))
			st.x[i] = math.Min(math.Max(st.x[i], l+pl), u-pu)
		case st.hasL[i]:
			st.x[i] = math.Max(st.x[i], l+boundPush*math.Max(1, math.Abs(l)))
		case st.hasU[i]:
			st.x[i] = math.Min(st.x[i], u-boundPush*math.Max(1, math.Abs(u)))
		}

		if st.hasL[i] {
			st.zl[i] = 1
		}
		if st.hasU[i] {
			st.zu[i] = 1
		}
	}
}

func (st *ipState) evaluate() {
	st.p.Gradient(st.grad, st.x)
	st.p.Constraints(st.c, st.x)
	st.jac.Zero()
	st.p.Jacobian(st.jac, st.x)
}

// jacTVec returns J' * v.
func (st *ipState) jacTVec(dst, v []float64) {
	for j := range dst {
		dst[j] = 0
	}
	for i := 0; i < st.m; i++ {
		if v[i] == 0 {
			continue
		}
		row := st.jac.RawRowView(i)
		floats.AddScaled(dst, v[i], row)
	}
}

// optimalityError is the scaled KKT error of the barrier problem with
// parameter mu; mu = 0 gives the error of the original problem.
func (st *ipState) optimalityError(mu float64) float64 {
	dual := make([]float64, st.n)
	st.jacTVec(dual, st.lambda)

	var zSum float64
	var compl float64
	for i := 0; i < st.n; i++ {
		dual[i] += st.grad[i] - st.zl[i] + st.zu[i]
		if st.hasL[i] {
			zSum += st.zl[i]
			compl = math.Max(compl, math.Abs(st.zl[i]*(st.x[i]-st.lower[i])-mu))
		}
		if st.hasU[i] {
			zSum += st.zu[i]
			compl = math.Max(compl, math.Abs(st.zu[i]*(st.upper[i]-st.x[i])-mu))
		}
	}
	lamSum := floats.Norm(st.lambda, 1)

	sd := math.Max(scaleMax, (lamSum+zSum)/float64(st.m+st.n)) / scaleMax
	sc := math.Max(scaleMax, zSum/float64(st.n)) / scaleMax

	return math.Max(
		floats.Norm(dual, math.Inf(1))/sd,
		math.Max(floats.Norm(st.c, math.Inf(1)), compl/sc),
	)
}

// barrierGradient writes grad f - mu/(x-l) + mu/(u-x).
func (st *ipState) barrierGradient(dst []float64) {
	for i := 0; i < st.n; i++ {
		g := st.grad[i]
		if st.hasL[i] {
			g -= st.mu / (st.x[i] - st.lower[i])
		}
		if st.hasU[i] {
			g += st.mu / (st.upper[i] - st.x[i])
		}
		dst[i] = g
	}
}

// computeStep solves the primal-dual system for (dx, lambda+) and the bound
// multiplier steps. It returns false when no regularisation produced a usable
// step.
func (st *ipState) computeStep() bool {
	n, m := st.n, st.m
	sigma := make([]float64, n)
	for i := 0; i < n; i++ {
		if st.hasL[i] {
			sigma[i] += st.zl[i] / (st.x[i] - st.lower[i])
		}
		if st.hasU[i] {
			sigma[i] += st.zu[i] / (st.upper[i] - st.x[i])
		}
	}

	bg := make([]float64, n)
	st.barrierGradient(bg)
	for i := 0; i < n; i++ {
		st.rhs.SetVec(i, -bg[i])
	}
	for i := 0; i < m; i++ {
		st.rhs.SetVec(n+i, -st.c[i])
	}

	shift := 0.0
	constraintShift := 0.0
	for attempt := 0; ; attempt++ {
		st.assemble(sigma, shift, constraintShift)
		if st.solveKKT() {
			for i := 0; i < n; i++ {
				st.dx[i] = st.sol.AtVec(i)
			}
			if st.curvature(sigma, shift) > 0 || floats.Norm(st.dx, math.Inf(1)) < 1e-14 {
				break
			}
		} else if constraintShift == 0 {
			// Rank-deficient Jacobian: regularise the constraint block.
			constraintShift = 1e-8 * math.Pow(st.mu, 0.25)
		}

		switch {
		case shift == 0 && st.lastShift == 0:
			shift = firstRegularizer
		case shift == 0:
			shift = math.Max(minRegularizer, st.lastShift/3)
		default:
			shift *= 8
		}
		if shift > maxRegularizer {
			return false
		}
	}
	st.lastShift = shift

	for i := 0; i < m; i++ {
		st.lambdaPlus[i] = st.sol.AtVec(n + i)
	}
	for i := 0; i < n; i++ {
		st.dzl[i], st.dzu[i] = 0, 0
		if st.hasL[i] {
			s := st.x[i] - st.lower[i]
			st.dzl[i] = st.mu/s - st.zl[i] - st.zl[i]/s*st.dx[i]
		}
		if st.hasU[i] {
			s := st.upper[i] - st.x[i]
			st.dzu[i] = st.mu/s - st.zu[i] + st.zu[i]/s*st.dx[i]
		}
	}
	return true
}

func (st *ipState) assemble(sigma []float64, shift, constraintShift float64) {
	n, m := st.n, st.m
	st.kkt.Zero()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			st.kkt.Set(i, j, st.hess.At(i, j))
		}
		st.kkt.Set(i, i, st.kkt.At(i, i)+sigma[i]+shift)
	}
	for r := 0; r < m; r++ {
		row := st.jac.RawRowView(r)
		for j, v := range row {
			if v == 0 {
				continue
			}
			st.kkt.Set(n+r, j, v)
			st.kkt.Set(j, n+r, v)
		}
		st.kkt.Set(n+r, n+r, -constraintShift)
	}
}

// solveKKT solves kkt*sol = rhs and accepts the answer when the residual is
// small. LU condition warnings alone are not fatal: barrier terms make the
// matrix badly scaled near convergence while the solve stays accurate.
func (st *ipState) solveKKT() bool {
	err := st.sol.SolveVec(st.kkt, st.rhs)
	if err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return false
		}
	}
	if !allFinite(st.sol.RawVector().Data) {
		return false
	}

	var resid mat.VecDense
	resid.MulVec(st.kkt, st.sol)
	resid.SubVec(&resid, st.rhs)
	scale := 1 + floats.Norm(st.rhs.RawVector().Data, math.Inf(1))
	return floats.Norm(resid.RawVector().Data, math.Inf(1)) <= 1e-6*scale
}

// curvature returns dx'(W + Sigma + shift I)dx.
func (st *ipState) curvature(sigma []float64, shift float64) float64 {
	dx := mat.NewVecDense(st.n, st.dx)
	q := mat.Inner(dx, st.hess, dx)
	for i, d := range st.dx {
		q += (sigma[i] + shift) * d * d
	}
	return q
}

// merit is the barrier objective plus nu*||c||_1 at x with constraint values c.
func (st *ipState) merit(x, c []float64) float64 {
	phi := st.p.Objective(x)
	for i := 0; i < st.n; i++ {
		if st.hasL[i] {
			phi -= st.mu * math.Log(x[i]-st.lower[i])
		}
		if st.hasU[i] {
			phi -= st.mu * math.Log(st.upper[i]-x[i])
		}
	}
	return phi + st.nu*floats.Norm(c, 1)
}

// lineSearchAndUpdate applies the fraction-to-boundary rule, backtracks on
// the l1 merit function and updates all iterates.
func (st *ipState) lineSearchAndUpdate() {
	tau := math.Max(0.99, 1-st.mu)

	alphaMax := 1.0
	alphaZ := 1.0
	for i := 0; i < st.n; i++ {
		if st.hasL[i] {
			if st.dx[i] < 0 {
				alphaMax = math.Min(alphaMax, -tau*(st.x[i]-st.lower[i])/st.dx[i])
			}
			if st.dzl[i] < 0 {
				alphaZ = math.Min(alphaZ, -tau*st.zl[i]/st.dzl[i])
			}
		}
		if st.hasU[i] {
			if st.dx[i] > 0 {
				alphaMax = math.Min(alphaMax, tau*(st.upper[i]-st.x[i])/st.dx[i])
			}
			if st.dzu[i] < 0 {
				alphaZ = math.Min(alphaZ, -tau*st.zu[i]/st.dzu[i])
			}
		}
	}

	bg := make([]float64, st.n)
	st.barrierGradient(bg)
	slope := floats.Dot(bg, st.dx)
	cNorm := floats.Norm(st.c, 1)

	// With positive curvature along dx, nu > ||lambda+||_inf makes dx a
	// descent direction for the merit function.
	if cNorm > 0 {
		st.nu = math.Max(st.nu, floats.Norm(st.lambdaPlus, math.Inf(1))+1)
	}
	deriv := math.Min(slope-st.nu*cNorm, 0)

	phi0 := st.merit(st.x, st.c)
	alpha := alphaMax
	for k := 0; ; k++ {
		for i := range st.trial {
			st.trial[i] = st.x[i] + alpha*st.dx[i]
		}
		st.p.Constraints(st.trialC, st.trial)
		phi := st.merit(st.trial, st.trialC)
		if (!math.IsNaN(phi) && phi <= phi0+armijoEta*alpha*deriv) || k == maxBacktracks-1 {
			break
		}
		alpha *= 0.5
	}

	copy(st.x, st.trial)
	for i := 0; i < st.m; i++ {
		st.lambda[i] += alpha * (st.lambdaPlus[i] - st.lambda[i])
	}
	for i := 0; i < st.n; i++ {
		if st.hasL[i] {
			s := st.x[i] - st.lower[i]
			z := st.zl[i] + alphaZ*st.dzl[i]
			st.zl[i] = math.Min(math.Max(z, st.mu/(kappaSigma*s)), kappaSigma*st.mu/s)
		}
		if st.hasU[i] {
			s := st.upper[i] - st.x[i]
			z := st.zu[i] + alphaZ*st.dzu[i]
			st.zu[i] = math.Min(math.Max(z, st.mu/(kappaSigma*s)), kappaSigma*st.mu/s)
		}
	}
}
