package element

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestJacobiGLEndpoints(t *testing.T) {
	for order := 1; order <= 6; order++ {
		r := JacobiGL(0, 0, order)
		require.Len(t, r, order+1)
		assert.InDelta(t, -1.0, r[0], 1e-14, "order %d left endpoint", order)
		assert.InDelta(t, 1.0, r[order], 1e-14, "order %d right endpoint", order)
		for i := 1; i < len(r); i++ {
			assert.Greater(t, r[i], r[i-1], "order %d nodes must increase", order)
		}
	}
}

func TestJacobiGQIntegratesConstants(t *testing.T) {
	// Gauss weights on [-1,1] with unit weight function sum to 2.
	for n := 0; n <= 5; n++ {
		_, w := JacobiGQ(0, 0, n)
		sum := 0.0
		for _, wi := range w {
			sum += wi
		}
		assert.InDelta(t, 2.0, sum, 1e-12, "n=%d", n)
	}
}

func TestVandermondeInverse(t *testing.T) {
	for order := 1; order <= 5; order++ {
		ops, err := NewLine(order)
		require.NoError(t, err)

		var prod mat.Dense
		prod.Mul(ops.V, ops.Vinv)
		for i := 0; i < ops.Np; i++ {
			for j := 0; j < ops.Np; j++ {
				want := 0.0
				if i == j {
					want = 1.0
				}
				assert.InDelta(t, want, prod.At(i, j), 1e-10,
					"order %d V*Vinv[%d,%d]", order, i, j)
			}
		}
	}
}

func TestDerivativeOfPolynomials(t *testing.T) {
	ops, err := NewLine(4)
	require.NoError(t, err)

	k := 3
	constant := make([]float64, k*ops.Np)
	linear := make([]float64, k*ops.Np)
	for e := 0; e < k; e++ {
		for i := 0; i < ops.Np; i++ {
			constant[e*ops.Np+i] = 7.5
			linear[e*ops.Np+i] = 2*ops.R[i] - 1
		}
	}

	dc := make([]float64, k*ops.Np)
	dl := make([]float64, k*ops.Np)
	ops.ApplyDiff(0, constant, dc, k)
	ops.ApplyDiff(0, linear, dl, k)

	for i := range dc {
		assert.InDelta(t, 0.0, dc[i], 1e-11, "derivative of constant at %d", i)
		assert.InDelta(t, 2.0, dl[i], 1e-10, "derivative of 2r-1 at %d", i)
	}
}

func TestMassInverseMassRoundTrip(t *testing.T) {
	ops, err := NewLine(3)
	require.NoError(t, err)

	k := 2
	u := make([]float64, k*ops.Np)
	for i := range u {
		u[i] = float64(i%5) - 2
	}

	mu := make([]float64, k*ops.Np)
	back := make([]float64, k*ops.Np)
	ops.ApplyMass(u, mu, k)
	ops.ApplyInverseMass(mu, back, k)

	for i := range u {
		assert.InDelta(t, u[i], back[i], 1e-10, "round trip at %d", i)
	}
}

func TestLineOperatorShapes(t *testing.T) {
	ops, err := NewLine(5)
	require.NoError(t, err)

	assert.Equal(t, 6, ops.Np)
	assert.Equal(t, 1, ops.Nfp)
	assert.Equal(t, 2, ops.Nfaces)
	assert.Equal(t, [][]int{{0}, {ops.Np - 1}}, ops.FaceNodes)

	rows, cols := ops.LIFT.Dims()
	assert.Equal(t, ops.Np, rows)
	assert.Equal(t, ops.Nfaces*ops.Nfp, cols)
}

func TestLiftFacesScaling(t *testing.T) {
	ops, err := NewLine(2)
	require.NoError(t, err)

	k := 2
	faces := make([]float64, k*ops.Nfaces*ops.Nfp)
	faces[0] = 1 // element 0, face 0
	scale := []float64{2, 3}

	unscaled := make([]float64, k*ops.Np)
	scaled := make([]float64, k*ops.Np)
	ops.LiftFaces(faces, unscaled, k, nil)
	ops.LiftFaces(faces, scaled, k, scale)

	for i := 0; i < ops.Np; i++ {
		assert.InDelta(t, 2*unscaled[i], scaled[i], 1e-12, "element 0 node %d", i)
	}
	for i := ops.Np; i < 2*ops.Np; i++ {
		assert.InDelta(t, 0.0, scaled[i], 1e-12, "element 1 untouched, node %d", i)
	}
}

func TestNewLineRejectsBadOrder(t *testing.T) {
	_, err := NewLine(0)
	assert.Error(t, err)
}
