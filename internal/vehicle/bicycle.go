package vehicle

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/velocity.pilot/internal/polyfit"
)

// InputSize is the number of transition inputs: the state followed by the
// actuation.
const InputSize = StateSize + ActuationSize

// inSteer is the steering column within a transition's inputs.
const inSteer = StateSize + Steer

// Bicycle is the discrete kinematic bicycle model tracking a reference
// polynomial. It provides the transition value together with its exact first
// and second derivatives.
type Bicycle struct {
	Lf  float64
	Dt  float64
	Ref polyfit.Polynomial

	d1, d2, d3 polyfit.Polynomial
}

// NewBicycle builds the transition model for one solve.
func NewBicycle(lf, dt float64, ref polyfit.Polynomial) *Bicycle {
	d1 := ref.Derivative()
	d2 := d1.Derivative()
	return &Bicycle{
		Lf:  lf,
		Dt:  dt,
		Ref: ref,
		d1:  d1,
		d2:  d2,
		d3:  d2.Derivative(),
	}
}

// Step returns the successor of s under actuation u.
func (b *Bicycle) Step(s State, u Actuation) State {
	dt := b.Dt
	x, y, psi, v, epsi := s[X], s[Y], s[Psi], s[V], s[EPsi]
	delta, a := u[Steer], u[Accel]
	sinPsi, cosPsi := math.Sincos(psi)

	var next State
	next[X] = x + v*cosPsi*dt
	next[Y] = y + v*sinPsi*dt
	next[Psi] = psi + v*delta/b.Lf*dt
	next[V] = v + a*dt
	next[CTE] = (b.Ref.Eval(x) - y) + v*math.Sin(epsi)*dt
	next[EPsi] = (psi - math.Atan(b.d1.Eval(x))) + v*delta/b.Lf*dt
	return next
}

// Linearize writes the Jacobians of Step: da (6x6) with respect to the state
// and db (6x2) with respect to the actuation. Both must be pre-sized; they are
// fully overwritten.
func (b *Bicycle) Linearize(s State, u Actuation, da, db *mat.Dense) {
	dt := b.Dt
	x, psi, v, epsi := s[X], s[Psi], s[V], s[EPsi]
	delta := u[Steer]
	sinPsi, cosPsi := math.Sincos(psi)
	slope := b.d1.Eval(x)

	da.Zero()
	db.Zero()

	da.Set(X, X, 1)
	da.Set(X, Psi, -v*sinPsi*dt)
	da.Set(X, V, cosPsi*dt)

	da.Set(Y, Y, 1)
	da.Set(Y, Psi, v*cosPsi*dt)
	da.Set(Y, V, sinPsi*dt)

	da.Set(Psi, Psi, 1)
	da.Set(Psi, V, delta/b.Lf*dt)
	db.Set(Psi, Steer, v/b.Lf*dt)

	da.Set(V, V, 1)
	db.Set(V, Accel, dt)

	da.Set(CTE, X, slope)
	da.Set(CTE, Y, -1)
	da.Set(CTE, V, math.Sin(epsi)*dt)
	da.Set(CTE, EPsi, v*math.Cos(epsi)*dt)

	da.Set(EPsi, X, -b.d2.Eval(x)/(1+slope*slope))
	da.Set(EPsi, Psi, 1)
	da.Set(EPsi, V, delta/b.Lf*dt)
	db.Set(EPsi, Steer, v/b.Lf*dt)
}

// Curvature accumulates sum_k w[k] * Hessian(Step_k) over the InputSize
// transition inputs (state then actuation) into dst, which must be
// InputSize x InputSize. Existing contents of dst are overwritten.
func (b *Bicycle) Curvature(s State, u Actuation, w State, dst *mat.SymDense) {
	dt := b.Dt
	x, psi, v, epsi := s[X], s[Psi], s[V], s[EPsi]
	sinPsi, cosPsi := math.Sincos(psi)
	sinE, cosE := math.Sincos(epsi)

	for i := 0; i < InputSize; i++ {
		for j := i; j < InputSize; j++ {
			dst.SetSym(i, j, 0)
		}
	}
	add := func(i, j int, val float64) {
		dst.SetSym(i, j, dst.At(i, j)+val)
	}

	// x' = x + v cos(psi) dt
	add(Psi, Psi, -w[X]*v*cosPsi*dt)
	add(Psi, V, -w[X]*sinPsi*dt)

	// y' = y + v sin(psi) dt
	add(Psi, Psi, -w[Y]*v*sinPsi*dt)
	add(Psi, V, w[Y]*cosPsi*dt)

	// psi' = psi + v delta / Lf dt
	add(V, inSteer, w[Psi]*dt/b.Lf)

	// cte' = f(x) - y + v sin(epsi) dt
	add(X, X, w[CTE]*b.d2.Eval(x))
	add(EPsi, EPsi, -w[CTE]*v*sinE*dt)
	add(V, EPsi, w[CTE]*cosE*dt)

	// epsi' = psi - atan(f'(x)) + v delta / Lf dt
	f1, f2, f3 := b.d1.Eval(x), b.d2.Eval(x), b.d3.Eval(x)
	g := 1 + f1*f1
	atanSecond := (f3*g - 2*f1*f2*f2) / (g * g)
	add(X, X, -w[EPsi]*atanSecond)
	add(V, inSteer, w[EPsi]*dt/b.Lf)
}
