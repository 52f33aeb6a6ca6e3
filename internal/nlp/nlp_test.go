package nlp

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// testProblem adapts closures to Problem.
type testProblem struct {
	n, m         int
	lower, upper []float64
	f            func(x []float64) float64
	grad         func(g, x []float64)
	cons         func(c, x []float64)
	jac          func(dst *mat.Dense, x []float64)
	hess         func(dst *mat.SymDense, x, lambda []float64)
}

func (p *testProblem) Dims() (int, int) { return p.n, p.m }
func (p *testProblem) Bounds(lower, upper []float64) {
	copy(lower, p.lower)
	copy(upper, p.upper)
}
func (p *testProblem) Objective(x []float64) float64             { return p.f(x) }
func (p *testProblem) Gradient(g, x []float64)                   { p.grad(g, x) }
func (p *testProblem) Constraints(c, x []float64)                { p.cons(c, x) }
func (p *testProblem) Jacobian(dst *mat.Dense, x []float64)      { p.jac(dst, x) }
func (p *testProblem) Hessian(dst *mat.SymDense, x, l []float64) { p.hess(dst, x, l) }

func addSym(dst *mat.SymDense, i, j int, v float64) {
	dst.SetSym(i, j, dst.At(i, j)+v)
}

// boundQP: min x0² + (x1-1)² s.t. x0 + x1 = 1, x0 >= 0.5.
// Without the bound the optimum is (0, 1); the bound makes it (0.5, 0.5).
func boundQP() *testProblem {
	inf := math.Inf(1)
	return &testProblem{
		n: 2, m: 1,
		lower: []float64{0.5, -inf},
		upper: []float64{inf, inf},
		f:     func(x []float64) float64 { return x[0]*x[0] + (x[1]-1)*(x[1]-1) },
		grad: func(g, x []float64) {
			g[0] = 2 * x[0]
			g[1] = 2 * (x[1] - 1)
		},
		cons: func(c, x []float64) { c[0] = x[0] + x[1] - 1 },
		jac: func(dst *mat.Dense, _ []float64) {
			dst.Set(0, 0, 1)
			dst.Set(0, 1, 1)
		},
		hess: func(dst *mat.SymDense, _, _ []float64) {
			dst.SetSym(0, 0, 2)
			dst.SetSym(1, 1, 2)
		},
	}
}

// circle: min x0 + x1 s.t. x0² + x1² = 2. Optimum (-1, -1).
func circle() *testProblem {
	inf := math.Inf(1)
	return &testProblem{
		n: 2, m: 1,
		lower: []float64{-inf, -inf},
		upper: []float64{inf, inf},
		f:     func(x []float64) float64 { return x[0] + x[1] },
		grad: func(g, _ []float64) {
			g[0] = 1
			g[1] = 1
		},
		cons: func(c, x []float64) { c[0] = x[0]*x[0] + x[1]*x[1] - 2 },
		jac: func(dst *mat.Dense, x []float64) {
			dst.Set(0, 0, 2*x[0])
			dst.Set(0, 1, 2*x[1])
		},
		hess: func(dst *mat.SymDense, _, l []float64) {
			dst.SetSym(0, 0, 2*l[0])
			dst.SetSym(1, 1, 2*l[0])
		},
	}
}

// hs071 is Hock-Schittkowski problem 71 with the product inequality
// rewritten as an equality on a slack s >= 25.
func hs071() *testProblem {
	return &testProblem{
		n: 5, m: 2,
		lower: []float64{1, 1, 1, 1, 25},
		upper: []float64{5, 5, 5, 5, math.Inf(1)},
		f: func(x []float64) float64 {
			return x[0]*x[3]*(x[0]+x[1]+x[2]) + x[2]
		},
		grad: func(g, x []float64) {
			g[0] = x[3] * (2*x[0] + x[1] + x[2])
			g[1] = x[0] * x[3]
			g[2] = x[0]*x[3] + 1
			g[3] = x[0] * (x[0] + x[1] + x[2])
			g[4] = 0
		},
		cons: func(c, x []float64) {
			c[0] = x[0]*x[1]*x[2]*x[3] - x[4]
			c[1] = x[0]*x[0] + x[1]*x[1] + x[2]*x[2] + x[3]*x[3] - 40
		},
		jac: func(dst *mat.Dense, x []float64) {
			dst.Set(0, 0, x[1]*x[2]*x[3])
			dst.Set(0, 1, x[0]*x[2]*x[3])
			dst.Set(0, 2, x[0]*x[1]*x[3])
			dst.Set(0, 3, x[0]*x[1]*x[2])
			dst.Set(0, 4, -1)
			for j := 0; j < 4; j++ {
				dst.Set(1, j, 2*x[j])
			}
		},
		hess: func(dst *mat.SymDense, x, l []float64) {
			addSym(dst, 0, 0, 2*x[3])
			addSym(dst, 0, 1, x[3])
			addSym(dst, 0, 2, x[3])
			addSym(dst, 0, 3, 2*x[0]+x[1]+x[2])
			addSym(dst, 1, 3, x[0])
			addSym(dst, 2, 3, x[0])

			addSym(dst, 0, 1, l[0]*x[2]*x[3])
			addSym(dst, 0, 2, l[0]*x[1]*x[3])
			addSym(dst, 0, 3, l[0]*x[1]*x[2])
			addSym(dst, 1, 2, l[0]*x[0]*x[3])
			addSym(dst, 1, 3, l[0]*x[0]*x[2])
			addSym(dst, 2, 3, l[0]*x[0]*x[1])

			for j := 0; j < 4; j++ {
				addSym(dst, j, j, 2*l[1])
			}
		},
	}
}

func solvers() []struct {
	name   string
	solver Solver
	tol    float64
} {
	return []struct {
		name   string
		solver Solver
		tol    float64
	}{
		{"interior-point", &InteriorPoint{}, 1e-5},
		{"augmented-lagrangian", &AugmentedLagrangian{}, 1e-3},
	}
}

func TestSolvers_KnownOptima(t *testing.T) {
	tests := []struct {
		name  string
		p     func() *testProblem
		x0    []float64
		want  []float64
		fStar float64
	}{
		{"active bound", boundQP, []float64{2, 2}, []float64{0.5, 0.5}, 0.5},
		{"circle", circle, []float64{-1.2, -0.8}, []float64{-1, -1}, -2},
		{"hs071", hs071, []float64{1, 5, 5, 1, 25}, []float64{1, 4.74299963, 3.82114998, 1.37940829}, 17.0140173},
	}

	for _, s := range solvers() {
		for _, tt := range tests {
			t.Run(s.name+"/"+tt.name, func(t *testing.T) {
				res, err := s.solver.Solve(context.Background(), tt.p(), tt.x0)
				require.NoError(t, err)
				require.NotNil(t, res)
				assert.Equal(t, Converged, res.Status)

				for i, w := range tt.want {
					assert.InDelta(t, w, res.X[i], s.tol, "x[%d]", i)
				}
				assert.InDelta(t, tt.fStar, res.Objective, s.tol)
				assert.Less(t, res.Violation, s.tol)
				assert.Positive(t, res.Iterations)
			})
		}
	}
}

func TestInteriorPoint_RespectsBounds(t *testing.T) {
	res, err := (&InteriorPoint{}).Solve(context.Background(), hs071(), []float64{1, 5, 5, 1, 25})
	require.NoError(t, err)
	p := hs071()
	for i, x := range res.X {
		assert.GreaterOrEqual(t, x, p.lower[i])
		assert.LessOrEqual(t, x, p.upper[i])
	}
}

func TestInteriorPoint_Multipliers(t *testing.T) {
	// At (-1, -1) stationarity gives 1 + 2λx = 0, so λ = 0.5.
	res, err := (&InteriorPoint{}).Solve(context.Background(), circle(), []float64{-1.2, -0.8})
	require.NoError(t, err)
	require.Len(t, res.Lambda, 1)
	assert.InDelta(t, 0.5, res.Lambda[0], 1e-5)
}

func TestSolvers_DimensionErrors(t *testing.T) {
	for _, s := range solvers() {
		t.Run(s.name, func(t *testing.T) {
			res, err := s.solver.Solve(context.Background(), circle(), []float64{1})
			assert.ErrorIs(t, err, ErrDimension)
			assert.Nil(t, res)

			empty := boundQP()
			empty.lower[0], empty.upper[0] = 2, 1
			res, err = s.solver.Solve(context.Background(), empty, []float64{1, 1})
			assert.ErrorIs(t, err, ErrInfeasible)
			assert.Nil(t, res)

			none := circle()
			none.m = 0
			_, err = s.solver.Solve(context.Background(), none, []float64{1, 1})
			assert.ErrorIs(t, err, ErrDimension)
		})
	}
}

func TestSolvers_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, s := range solvers() {
		t.Run(s.name, func(t *testing.T) {
			res, err := s.solver.Solve(ctx, hs071(), []float64{1, 5, 5, 1, 25})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNonConvergence)
			assert.ErrorIs(t, err, context.Canceled)
			require.NotNil(t, res)
			assert.Equal(t, Canceled, res.Status)
			assert.Len(t, res.X, 5)
		})
	}
}

func TestAugmentedLagrangian_CanceledDuringInnerSolve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := hs071()
	objective := p.f
	evals, afterCancel := 0, 0
	p.f = func(x []float64) float64 {
		evals++
		if ctx.Err() != nil {
			afterCancel++
		}
		if evals == 3 {
			cancel()
		}
		return objective(x)
	}

	al := &AugmentedLagrangian{MaxOuterIterations: 1, MaxInnerIterations: 100000, Tolerance: 1e-12}
	res, err := al.Solve(ctx, p, []float64{1, 5, 5, 1, 25})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, Canceled, res.Status)
	assert.LessOrEqual(t, afterCancel, 5, "inner minimisation kept evaluating after cancel")
}

func TestAugmentedLagrangian_IterationLimit(t *testing.T) {
	al := &AugmentedLagrangian{MaxOuterIterations: 1, MaxInnerIterations: 1}
	res, err := al.Solve(context.Background(), hs071(), []float64{1, 5, 5, 1, 25})
	assert.ErrorIs(t, err, ErrNonConvergence)
	require.NotNil(t, res)
	assert.Equal(t, IterationLimit, res.Status)
	assert.LessOrEqual(t, res.Iterations, 1)
}

func TestInteriorPoint_IterationLimit(t *testing.T) {
	res, err := (&InteriorPoint{MaxIterations: 1}).Solve(context.Background(), hs071(), []float64{1, 5, 5, 1, 25})
	assert.ErrorIs(t, err, ErrNonConvergence)
	require.NotNil(t, res)
	assert.Equal(t, IterationLimit, res.Status)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "converged", Converged.String())
	assert.Equal(t, "iteration_limit", IterationLimit.String())
	assert.Equal(t, "infeasible", Infeasible.String())
	assert.Equal(t, "canceled", Canceled.String())
	assert.Equal(t, "status(9)", Status(9).String())
}
