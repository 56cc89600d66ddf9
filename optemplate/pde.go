package optemplate

import (
	"fmt"
)

// FluxType selects the numerical flux used by the convenience templates.
type FluxType int

const (
	CentralFlux FluxType = iota
	UpwindFlux
)

// dotNormal builds sum_i v[i]*n_i inside the flux language.
func dotNormal(a *Arena, v []float64) ExprID {
	terms := make([]ExprID, len(v))
	for axis, vi := range v {
		terms[axis] = a.Mul(a.Constant(vi), a.Normal(axis))
	}
	return a.Add(terms...)
}

// Gradient builds the strong-form DG gradient template of field "u" with a
// single all-encompassing boundary tag. One output per spatial axis,
// named grad0, grad1, ...
func Gradient(a *Arena, dim int, bcTag string) *Template {
	u := a.Field("u")
	bc := a.Field("bc")

	t := NewTemplate(a)
	for axis := 0; axis < dim; axis++ {
		flux := a.Mul(
			a.Sub(a.FluxLocal(), a.FluxAverage()),
			a.Normal(axis))
		fluxOp := a.FluxOperator(flux, false)

		surface := a.Add(
			a.Bind(fluxOp, u),
			a.Bind(fluxOp, a.PairWithBoundary(u, bc, bcTag)))

		expr := a.Sub(
			a.Mul(a.Diff(axis), u),
			a.Mul(a.InverseMass(), surface))
		t.DeclareOutput(fmt.Sprintf("grad%d", axis), expr)
	}
	return t
}

// advectionFlux builds the two-sided advective flux for velocity v: central
// uses the average trace, upwind switches on the sign of v.n.
func advectionFlux(a *Arena, v []float64, fluxType FluxType) ExprID {
	vn := dotNormal(a, v)
	switch fluxType {
	case UpwindFlux:
		return a.Mul(vn, a.IfPositive(vn, a.FluxLocal(), a.FluxExternal()))
	default:
		return a.Mul(vn, a.FluxAverage())
	}
}

// StrongAdvection builds the strong-form constant-velocity advection
// template: rhs = -v.grad(u) + Lift(F(u) + F(u, bc_in)), with the flux
// difference F = u.local*v.n - fluxType(v, u). The lifting already
// carries the inverse mass. Single output "rhs".
func StrongAdvection(a *Arena, v []float64, fluxType FluxType, inflowTag string) *Template {
	u := a.Field("u")
	bcIn := a.Field("bc_in")

	vn := dotNormal(a, v)
	flux := a.Sub(a.Mul(a.FluxLocal(), vn), advectionFlux(a, v, fluxType))
	fluxOp := a.FluxOperator(flux, true)

	volume := make([]ExprID, len(v))
	for axis, vi := range v {
		volume[axis] = a.Mul(a.Constant(-vi), a.Diff(axis), u)
	}

	surface := a.Add(
		a.Bind(fluxOp, u),
		a.Bind(fluxOp, a.PairWithBoundary(u, bcIn, inflowTag)))

	t := NewTemplate(a)
	t.DeclareOutput("rhs", a.Add(a.Add(volume...), surface))
	return t
}

// WeakAdvection builds the weak-form constant-velocity advection template
// with separate inflow and outflow boundary pairings. Single output "rhs".
func WeakAdvection(a *Arena, v []float64, fluxType FluxType, inflowTag, outflowTag string) *Template {
	u := a.Field("u")
	bcIn := a.Field("bc_in")
	bcOut := a.Field("bc_out")

	flux := advectionFlux(a, v, fluxType)
	fluxOp := a.FluxOperator(flux, true)

	volume := make([]ExprID, len(v))
	for axis, vi := range v {
		volume[axis] = a.Mul(a.Constant(vi), a.Diff(axis), u)
	}

	surface := a.Add(
		a.Bind(fluxOp, u),
		a.Bind(fluxOp, a.PairWithBoundary(u, bcIn, inflowTag)),
		a.Bind(fluxOp, a.PairWithBoundary(u, bcOut, outflowTag)))

	t := NewTemplate(a)
	t.DeclareOutput("rhs", a.Sub(a.Add(volume...), surface))
	return t
}
