// Package polyfit fits and evaluates the reference polynomial the controller
// tracks.
package polyfit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/velocity.pilot/internal/geom"
)

var (
	// ErrInsufficientPoints is returned when fewer than degree+1 points are
	// supplied.
	ErrInsufficientPoints = errors.New("polyfit: insufficient points for degree")

	// ErrDegenerateInput is returned for mismatched, non-finite or
	// rank-deficient inputs.
	ErrDegenerateInput = errors.New("polyfit: degenerate input")
)

// rankTolerance bounds the smallest |R_ii| relative to the largest before the
// Vandermonde matrix is treated as rank deficient (e.g. repeated x values).
const rankTolerance = 1e-12

// Polynomial holds coefficients in ascending powers: c[0] + c[1]x + c[2]x^2 ...
type Polynomial []float64

// Degree returns the polynomial degree, or -1 for the empty polynomial.
func (p Polynomial) Degree() int { return len(p) - 1 }

// Eval evaluates p at x using Horner's rule.
func (p Polynomial) Eval(x float64) float64 {
	var y float64
	for i := len(p) - 1; i >= 0; i-- {
		y = y*x + p[i]
	}
	return y
}

// Derivative returns dp/dx. The derivative of a constant is the empty
// polynomial, which evaluates to zero everywhere.
func (p Polynomial) Derivative() Polynomial {
	if len(p) <= 1 {
		return Polynomial{}
	}
	d := make(Polynomial, len(p)-1)
	for i := 1; i < len(p); i++ {
		d[i-1] = float64(i) * p[i]
	}
	return d
}

// CrossTrackError is the signed lateral offset of the path from a vehicle
// sitting at the body-frame origin.
func (p Polynomial) CrossTrackError() float64 {
	return p.Eval(0)
}

// HeadingError is the vehicle heading (zero in its own frame) minus the path
// tangent angle at the origin, -atan(c1).
func (p Polynomial) HeadingError() float64 {
	if len(p) < 2 {
		return 0
	}
	return -math.Atan(p[1])
}

// Sample evaluates p at x = 0, step, 2*step ... while x < distance. Used for
// the reference-line display points.
func (p Polynomial) Sample(step, distance float64) (xs, ys []float64) {
	if step <= 0 || distance <= 0 {
		return nil, nil
	}
	n := int(math.Ceil(distance / step))
	xs = make([]float64, 0, n)
	ys = make([]float64, 0, n)
	for i := 0; i < n; i++ {
		x := float64(i) * step
		if x >= distance {
			break
		}
		xs = append(xs, x)
		ys = append(ys, p.Eval(x))
	}
	return xs, ys
}

// Fit returns the least-squares polynomial of the given degree through
// (xs[i], ys[i]). The Vandermonde system is solved with a Householder QR
// factorisation so nearly collinear or tightly clustered waypoints do not
// square the condition number the way normal equations would.
func Fit(xs, ys []float64, degree int) (Polynomial, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("%w: %d x values, %d y values", ErrDegenerateInput, len(xs), len(ys))
	}
	if degree < 1 {
		return nil, fmt.Errorf("%w: degree %d", ErrDegenerateInput, degree)
	}
	if len(xs) < degree+1 {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientPoints, len(xs), degree+1)
	}

	rows, cols := len(xs), degree+1
	a := mat.NewDense(rows, cols, nil)
	b := mat.NewVecDense(rows, nil)
	for i, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(ys[i]) || math.IsInf(ys[i], 0) {
			return nil, fmt.Errorf("%w: non-finite point %d", ErrDegenerateInput, i)
		}
		pow := 1.0
		for j := 0; j < cols; j++ {
			a.Set(i, j, pow)
			pow *= x
		}
		b.SetVec(i, ys[i])
	}

	var qr mat.QR
	qr.Factorize(a)

	var r mat.Dense
	qr.RTo(&r)
	maxDiag, minDiag := 0.0, math.Inf(1)
	for j := 0; j < cols; j++ {
		d := math.Abs(r.At(j, j))
		maxDiag = math.Max(maxDiag, d)
		minDiag = math.Min(minDiag, d)
	}
	if maxDiag == 0 || minDiag <= rankTolerance*maxDiag {
		return nil, fmt.Errorf("%w: rank-deficient design matrix (need %d distinct x values)", ErrDegenerateInput, cols)
	}

	var coeffs mat.VecDense
	if err := qr.SolveVecTo(&coeffs, false, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("qr solve: %w", err)
		}
		// Ill-conditioned but solvable; the rank check above already
		// rejected the singular case.
	}

	out := make(Polynomial, cols)
	for j := range out {
		out[j] = coeffs.AtVec(j)
	}
	return out, nil
}

// FitPoints is Fit for a slice of points.
func FitPoints(pts []geom.Point, degree int) (Polynomial, error) {
	xs, ys := geom.Unzip(pts)
	return Fit(xs, ys, degree)
}
