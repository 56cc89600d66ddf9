// Package element provides the reference-element operator matrices consumed
// by the operator-template execution engine: mass, inverse mass,
// reference-direction differentiation and the face-to-volume lift.
package element

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Operators bundles the reference-element matrices for one element shape.
// All matrices act on a single element's nodal values; the apply helpers
// broadcast them across a field of K elements.
type Operators struct {
	N      int // polynomial order
	Np     int // nodes per element
	Nfp    int // nodes per face
	Nfaces int
	Dim    int

	R []float64 // reference nodal coordinates

	V, Vinv *mat.Dense
	M, Minv *mat.Dense
	D       []*mat.Dense // one derivative matrix per reference direction
	LIFT    *mat.Dense   // Np x (Nfaces*Nfp)

	FaceNodes [][]int // element-local node indices per face
}

// Vandermonde1D builds the 1D orthonormal-basis Vandermonde matrix at the
// points r.
func Vandermonde1D(n int, r []float64) *mat.Dense {
	v := mat.NewDense(len(r), n+1, nil)
	for j := 0; j <= n; j++ {
		col := JacobiP(r, 0, 0, j)
		for i := range col {
			v.Set(i, j, col[i])
		}
	}
	return v
}

// GradVandermonde1D builds the derivative Vandermonde matrix at the points r.
func GradVandermonde1D(n int, r []float64) *mat.Dense {
	vr := mat.NewDense(len(r), n+1, nil)
	for j := 0; j <= n; j++ {
		col := GradJacobiP(r, 0, 0, j)
		for i := range col {
			vr.Set(i, j, col[i])
		}
	}
	return vr
}

// NewLine constructs the order-N nodal line element on [-1,1] with
// Gauss-Lobatto nodes. Faces are the two endpoints.
func NewLine(order int) (*Operators, error) {
	if order < 1 {
		return nil, fmt.Errorf("element: line order must be >= 1, got %d", order)
	}
	np := order + 1

	r := JacobiGL(0, 0, order)
	v := Vandermonde1D(order, r)

	var vinv mat.Dense
	if err := vinv.Inverse(v); err != nil {
		return nil, fmt.Errorf("element: Vandermonde inversion failed: %w", err)
	}

	// Dr = Vr * Vinv
	vr := GradVandermonde1D(order, r)
	dr := mat.NewDense(np, np, nil)
	dr.Mul(vr, &vinv)

	// Minv = V V^T, M = (V V^T)^-1
	minv := mat.NewDense(np, np, nil)
	minv.Mul(v, v.T())
	var m mat.Dense
	if err := m.Inverse(minv); err != nil {
		return nil, fmt.Errorf("element: mass matrix inversion failed: %w", err)
	}

	// Emat holds the 1D face mass matrices: a single unit entry per
	// endpoint. LIFT = V (V^T Emat).
	emat := mat.NewDense(np, 2, nil)
	emat.Set(0, 0, 1)
	emat.Set(np-1, 1, 1)

	var vte mat.Dense
	vte.Mul(v.T(), emat)
	lift := mat.NewDense(np, 2, nil)
	lift.Mul(v, &vte)

	return &Operators{
		N:         order,
		Np:        np,
		Nfp:       1,
		Nfaces:    2,
		Dim:       1,
		R:         r,
		V:         v,
		Vinv:      &vinv,
		M:         &m,
		Minv:      minv,
		D:         []*mat.Dense{dr},
		LIFT:      lift,
		FaceNodes: [][]int{{0}, {np - 1}},
	}, nil
}

// applyPerElement multiplies op (rows x cols) by each element's slice of in,
// writing rows values per element into out.
func applyPerElement(op *mat.Dense, in, out []float64, k int) {
	rows, cols := op.Dims()
	for e := 0; e < k; e++ {
		src := in[e*cols : (e+1)*cols]
		dst := out[e*rows : (e+1)*rows]
		for i := 0; i < rows; i++ {
			sum := 0.0
			for j := 0; j < cols; j++ {
				sum += op.At(i, j) * src[j]
			}
			dst[i] = sum
		}
	}
}

// ApplyMass applies the element mass matrix to each of k elements.
func (ops *Operators) ApplyMass(in, out []float64, k int) {
	applyPerElement(ops.M, in, out, k)
}

// ApplyInverseMass applies the element inverse-mass matrix to each of k
// elements.
func (ops *Operators) ApplyInverseMass(in, out []float64, k int) {
	applyPerElement(ops.Minv, in, out, k)
}

// ApplyDiff applies the reference derivative matrix for the given direction
// to each of k elements.
func (ops *Operators) ApplyDiff(direction int, in, out []float64, k int) {
	applyPerElement(ops.D[direction], in, out, k)
}

// LiftFaces projects face-resident flux values (Nfaces*Nfp per element)
// into each element's volume basis through the lift matrix, scaling each
// element's result by scale[e] (typically the inverse volume Jacobian).
// A nil scale applies the lift unscaled.
func (ops *Operators) LiftFaces(faces, out []float64, k int, scale []float64) {
	applyPerElement(ops.LIFT, faces, out, k)
	if scale == nil {
		return
	}
	for e := 0; e < k; e++ {
		s := scale[e]
		dst := out[e*ops.Np : (e+1)*ops.Np]
		for i := range dst {
			dst[i] *= s
		}
	}
}
