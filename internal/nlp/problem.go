// Package nlp solves smooth nonlinear programs with equality constraints and
// simple bounds:
//
//	minimise f(x)  subject to  c(x) = 0,  lower <= x <= upper.
//
// Problems supply exact first and second derivatives; the solvers never
// difference numerically. Two backends implement Solver: InteriorPoint, a
// primal-dual log-barrier method, and AugmentedLagrangian, a method of
// multipliers over gonum's L-BFGS.
package nlp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNonConvergence reports that the iteration or time budget ran out
	// before the optimality tolerance was met. The accompanying Result holds
	// the best iterate found.
	ErrNonConvergence = errors.New("nlp: did not converge")

	// ErrInfeasible reports that no step could be computed that makes
	// progress on the constraints. The accompanying Result holds the best
	// iterate found.
	ErrInfeasible = errors.New("nlp: infeasible or numerically singular problem")

	// ErrDimension reports a malformed problem or starting point.
	ErrDimension = errors.New("nlp: dimension mismatch")
)

// Problem is a nonlinear program with n variables and m >= 1 equality
// constraints.
type Problem interface {
	// Dims returns the number of variables and equality constraints.
	Dims() (n, m int)

	// Bounds fills the variable bounds. Use math.Inf for unbounded sides.
	Bounds(lower, upper []float64)

	// Objective evaluates f(x).
	Objective(x []float64) float64

	// Gradient writes the gradient of f at x into grad.
	Gradient(grad, x []float64)

	// Constraints writes c(x) into c.
	Constraints(c, x []float64)

	// Jacobian writes the m x n constraint Jacobian at x into dst. dst is
	// zeroed by the caller.
	Jacobian(dst *mat.Dense, x []float64)

	// Hessian writes the Hessian of the Lagrangian f(x) + lambda'c(x) into
	// dst (n x n). dst is zeroed by the caller.
	Hessian(dst *mat.SymDense, x, lambda []float64)
}

// Status describes how a solve ended.
type Status int

const (
	// Converged means the optimality tolerance was met.
	Converged Status = iota
	// IterationLimit means the iteration budget was exhausted.
	IterationLimit
	// Infeasible means the solver could not make progress on feasibility.
	Infeasible
	// Canceled means the context was done before convergence.
	Canceled
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case IterationLimit:
		return "iteration_limit"
	case Infeasible:
		return "infeasible"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of a solve. X and Lambda always hold the returned
// iterate, even when Status is not Converged.
type Result struct {
	X      []float64
	Lambda []float64

	Objective  float64
	Violation  float64 // max |c_i(X)|
	Status     Status
	Iterations int
	Runtime    time.Duration
}

// Solver is a constrained NLP backend.
type Solver interface {
	// Solve minimises p from x0. It returns a non-nil Result whenever the
	// problem dimensions are valid; a non-nil error alongside a Result wraps
	// ErrNonConvergence or ErrInfeasible and the Result holds the best
	// iterate found.
	Solve(ctx context.Context, p Problem, x0 []float64) (*Result, error)
}

// statusError maps a non-converged status onto its sentinel.
func statusError(s Status, ctxErr error) error {
	switch s {
	case Converged:
		return nil
	case Infeasible:
		return ErrInfeasible
	case Canceled:
		if ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrNonConvergence, ctxErr)
		}
		return ErrNonConvergence
	default:
		return ErrNonConvergence
	}
}

// checkDims validates p against x0 and returns its bounds.
func checkDims(p Problem, x0 []float64) (n, m int, lower, upper []float64, err error) {
	n, m = p.Dims()
	if n <= 0 || m <= 0 {
		return 0, 0, nil, nil, fmt.Errorf("%w: n=%d m=%d", ErrDimension, n, m)
	}
	if len(x0) != n {
		return 0, 0, nil, nil, fmt.Errorf("%w: x0 has %d elements, problem has %d variables", ErrDimension, len(x0), n)
	}
	lower = make([]float64, n)
	upper = make([]float64, n)
	p.Bounds(lower, upper)
	for i := range lower {
		if lower[i] > upper[i] {
			return 0, 0, nil, nil, fmt.Errorf("%w: bound %d is empty [%g, %g]", ErrInfeasible, i, lower[i], upper[i])
		}
	}
	return n, m, lower, upper, nil
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
