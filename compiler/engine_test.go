package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/dgop/element"
	"github.com/notargets/dgop/mesh"
	"github.com/notargets/dgop/optemplate"
)

func lineDiscretization(t *testing.T, k, order int, leftTag, rightTag string) *Discretization {
	t.Helper()
	el, err := element.NewLine(order)
	require.NoError(t, err)
	m, err := mesh.NewLineMesh(0, 1, k, el, leftTag, rightTag)
	require.NoError(t, err)
	return NewDiscretization(m, el, nil)
}

func TestGradientOfLinearField(t *testing.T) {
	d := lineDiscretization(t, 4, 3, "bc", "bc")
	a := optemplate.NewArena()
	tmpl := optemplate.Gradient(a, 1, "bc")

	c, err := d.Compile(tmpl)
	require.NoError(t, err)

	// u = 3x + 1; the discrete gradient of a resolved linear field is
	// exact and every face jump vanishes.
	u := make([]float64, d.Mesh.VolumeSize())
	for i, x := range d.Mesh.X {
		u[i] = 3*x + 1
	}
	bc := []float64{3*0 + 1, 3*1 + 1} // left face, right face

	results, err := d.Execute(c, map[string][]float64{"u": u, "bc": bc})
	require.NoError(t, err)

	grad := results["grad0"]
	require.Len(t, grad, d.Mesh.VolumeSize())
	for i, g := range grad {
		assert.InDelta(t, 3.0, g, 1e-9, "gradient at node %d", i)
	}
}

func TestAdvectionOfConstantIsSteady(t *testing.T) {
	for _, ft := range []optemplate.FluxType{optemplate.CentralFlux, optemplate.UpwindFlux} {
		d := lineDiscretization(t, 3, 2, "in", "out")
		a := optemplate.NewArena()
		tmpl := optemplate.StrongAdvection(a, []float64{2}, ft, "in")

		c, err := d.Compile(tmpl)
		require.NoError(t, err)

		u := make([]float64, d.Mesh.VolumeSize())
		for i := range u {
			u[i] = 5
		}
		bcIn := make([]float64, d.Mesh.BoundarySize("in"))
		for i := range bcIn {
			bcIn[i] = 5
		}

		results, err := d.Execute(c, map[string][]float64{"u": u, "bc_in": bcIn})
		require.NoError(t, err)

		for i, r := range results["rhs"] {
			assert.InDelta(t, 0.0, r, 1e-10, "flux type %d, rhs at node %d", ft, i)
		}
	}
}

// Interior flux lifts must cancel in the global integral: each face pair
// writes equal and opposite contributions to its two elements.
func TestInteriorLiftConserves(t *testing.T) {
	for _, tc := range []struct {
		name string
		flux func(a *optemplate.Arena) optemplate.ExprID
	}{
		{"central", func(a *optemplate.Arena) optemplate.ExprID {
			return a.Mul(a.FluxAverage(), a.Normal(0))
		}},
		{"upwind", func(a *optemplate.Arena) optemplate.ExprID {
			vn := a.Mul(a.Constant(2), a.Normal(0))
			return a.Mul(vn, a.IfPositive(vn, a.FluxLocal(), a.FluxExternal()))
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := lineDiscretization(t, 2, 1, "l", "r")
			a := optemplate.NewArena()
			tmpl := optemplate.NewTemplate(a)
			tmpl.DeclareOutput("lifted",
				a.Bind(a.FluxOperator(tc.flux(a), true), a.Field("u")))

			c, err := d.Compile(tmpl)
			require.NoError(t, err)

			// Discontinuous data: the shared face carries a real jump.
			u := []float64{1, 1, 0, 0}
			results, err := d.Execute(c, map[string][]float64{"u": u})
			require.NoError(t, err)

			lifted := results["lifted"]
			total := 0.0
			m, el := d.Mesh, d.El
			mass := make([]float64, m.VolumeSize())
			el.ApplyMass(lifted, mass, m.K)
			for e := 0; e < m.K; e++ {
				for p := 0; p < m.Np; p++ {
					total += m.J[e] * mass[e*m.Np+p]
				}
			}
			assert.InDelta(t, 0.0, total, 1e-12, "net interior flux")
		})
	}
}

func TestMissingFieldReported(t *testing.T) {
	d := lineDiscretization(t, 2, 1, "l", "r")
	a := optemplate.NewArena()
	tmpl := optemplate.NewTemplate(a)
	tmpl.DeclareOutput("out", a.Mul(a.Diff(0), a.Field("missing")))

	c, err := d.Compile(tmpl)
	require.NoError(t, err)

	_, err = d.Execute(c, map[string][]float64{"u": make([]float64, 4)})
	var nre *NameResolutionError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, "missing", nre.Name)
}

func TestCompileCachedByTemplateIdentity(t *testing.T) {
	d := lineDiscretization(t, 2, 2, "in", "out")
	a := optemplate.NewArena()

	t1 := optemplate.StrongAdvection(a, []float64{1}, optemplate.CentralFlux, "in")
	t2 := optemplate.StrongAdvection(a, []float64{1}, optemplate.CentralFlux, "in")

	c1, err := d.Compile(t1)
	require.NoError(t, err)
	c2, err := d.Compile(t2)
	require.NoError(t, err)

	// Hash consing makes structurally equal templates share identity.
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, d.Compiles())

	// A different flux is a different template.
	t3 := optemplate.StrongAdvection(a, []float64{1}, optemplate.UpwindFlux, "in")
	_, err = d.Compile(t3)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Compiles())
}

func TestKernelsSpecializedOncePerSignature(t *testing.T) {
	d := lineDiscretization(t, 3, 1, "in", "out")
	a := optemplate.NewArena()
	tmpl := optemplate.StrongAdvection(a, []float64{1}, optemplate.UpwindFlux, "in")

	c, err := d.Compile(tmpl)
	require.NoError(t, err)

	fields := map[string][]float64{
		"u":     make([]float64, d.Mesh.VolumeSize()),
		"bc_in": make([]float64, d.Mesh.BoundarySize("in")),
	}
	for i := 0; i < 3; i++ {
		_, err := d.Execute(c, fields)
		require.NoError(t, err)
	}
	// One interior and one boundary batch, each compiled exactly once.
	assert.Equal(t, 2, d.KernelBuilds())
}

// A flux term whose boundary data is the zero sentinel and whose flux
// reads only the external trace contributes nothing, so executing the
// template must give the same values as executing it with the term
// removed.
func TestZeroBoundaryFluxTermDropsFromExecution(t *testing.T) {
	d := lineDiscretization(t, 3, 2, "l", "r")
	a := optemplate.NewArena()
	u := a.Field("u")
	flux := a.Mul(a.FluxExternal(), a.Normal(0))
	term := a.Bind(a.FluxOperator(flux, true),
		a.PairWithBoundary(u, a.Zero(), "l"))

	withTerm := optemplate.NewTemplate(a)
	withTerm.DeclareOutput("out", a.Add(a.Mul(a.Diff(0), u), term))
	without := optemplate.NewTemplate(a)
	without.DeclareOutput("out", a.Mul(a.Diff(0), u))

	cWith, err := d.Compile(withTerm)
	require.NoError(t, err)
	cWithout, err := d.Compile(without)
	require.NoError(t, err)

	field := make([]float64, d.Mesh.VolumeSize())
	for i, x := range d.Mesh.X {
		field[i] = x*x + 1
	}
	rWith, err := d.Execute(cWith, map[string][]float64{"u": field})
	require.NoError(t, err)
	rWithout, err := d.Execute(cWithout, map[string][]float64{"u": field})
	require.NoError(t, err)

	assert.Equal(t, rWithout["out"], rWith["out"])
}

func TestExecutionsIndependent(t *testing.T) {
	d := lineDiscretization(t, 2, 1, "bc", "bc")
	a := optemplate.NewArena()
	tmpl := optemplate.Gradient(a, 1, "bc")

	c, err := d.Compile(tmpl)
	require.NoError(t, err)

	u1 := []float64{0, 1, 1, 2}
	u2 := []float64{5, 5, 5, 5}
	bc1 := []float64{0, 2}
	bc2 := []float64{5, 5}

	r1, err := d.Execute(c, map[string][]float64{"u": u1, "bc": bc1})
	require.NoError(t, err)
	r2, err := d.Execute(c, map[string][]float64{"u": u2, "bc": bc2})
	require.NoError(t, err)
	r1again, err := d.Execute(c, map[string][]float64{"u": u1, "bc": bc1})
	require.NoError(t, err)

	for i := range r1["grad0"] {
		assert.InDelta(t, r1["grad0"][i], r1again["grad0"][i], 1e-14,
			"repeat execution differs at %d", i)
		assert.InDelta(t, 0.0, r2["grad0"][i], 1e-10,
			"gradient of constant at %d", i)
	}
}
