package mesh

import (
	"fmt"

	"github.com/notargets/dgop/element"
	"github.com/notargets/dgop/utils"
)

// NewLineMesh builds a uniform 1D mesh of k elements on [x0,x1] using the
// given line element. The left endpoint carries leftTag, the right endpoint
// rightTag; equal tags share one boundary group.
func NewLineMesh(x0, x1 float64, k int, el *element.Operators, leftTag, rightTag string) (*Mesh, error) {
	if k < 1 {
		return nil, fmt.Errorf("mesh: need at least one element, got %d", k)
	}
	if x1 <= x0 {
		return nil, fmt.Errorf("mesh: empty interval [%g,%g]", x0, x1)
	}
	if el.Dim != 1 {
		return nil, fmt.Errorf("mesh: line mesh needs a 1D element, got dim %d", el.Dim)
	}

	np, nfp, nfaces := el.Np, el.Nfp, el.Nfaces
	h := (x1 - x0) / float64(k)

	m := &Mesh{
		K:          k,
		Dim:        1,
		Np:         np,
		Nfp:        nfp,
		Nfaces:     nfaces,
		EToE:       make([][]int, k),
		EToF:       make([][]int, k),
		X:          make([]float64, k*np),
		J:          make([]float64, k),
		Boundaries: make(map[string]*FaceGroup),
	}

	rx := make([]float64, k)
	for e := 0; e < k; e++ {
		left := x0 + float64(e)*h
		for i := 0; i < np; i++ {
			m.X[e*np+i] = left + (el.R[i]+1)/2*h
		}
		m.J[e] = h / 2
		rx[e] = 2 / h

		m.EToE[e] = []int{e - 1, e + 1}
		m.EToF[e] = []int{1, 0}
		if e == 0 {
			m.EToE[e][0] = e
			m.EToF[e][0] = 0
		}
		if e == k-1 {
			m.EToE[e][1] = e
			m.EToF[e][1] = 1
		}
	}
	m.Metric = [][][]float64{{rx}}

	reg := newIndexListRegistry(nfp)
	faceListID := make([]int, nfaces)
	for f := 0; f < nfaces; f++ {
		faceListID[f] = reg.Register(el.FaceNodes[f])
	}

	// Interior pairs: the right face of each element against the left
	// face of its successor. With matching 1D orderings the opposite
	// write map is the identity permutation.
	wmap, err := utils.WriteMap(identity(nfp), identity(nfp))
	if err != nil {
		return nil, err
	}
	wmapID := reg.Register(wmap)

	interior := &FaceGroup{Nfp: nfp, Nfaces: nfaces, ElementCount: k}
	for e := 0; e+1 < k; e++ {
		interior.FacePairs = append(interior.FacePairs, FacePair{
			Loc: FaceSide{
				Element:     e,
				Face:        1,
				ElBase:      e * np,
				IndexListID: faceListID[1],
			},
			Opp: FaceSide{
				Element:     e + 1,
				Face:        0,
				ElBase:      (e + 1) * np,
				IndexListID: faceListID[0],
			},
			OppWriteMapID: wmapID,
			FaceJacobian:  1,
			Normal:        []float64{1},
		})
	}
	interior.IndexLists = reg.lists
	m.Interior = interior

	addBoundary := func(tag string, elem, face int, normal float64) {
		fg := m.Boundaries[tag]
		if fg == nil {
			fg = &FaceGroup{
				Nfp:          nfp,
				Nfaces:       nfaces,
				ElementCount: k,
				IndexLists:   reg.lists,
			}
			m.Boundaries[tag] = fg
			m.BoundaryTags = append(m.BoundaryTags, tag)
		}
		ord := len(fg.FacePairs)
		fg.FacePairs = append(fg.FacePairs, FacePair{
			Loc: FaceSide{
				Element:     elem,
				Face:        face,
				ElBase:      elem * np,
				IndexListID: faceListID[face],
			},
			Opp: FaceSide{
				Element:     -1,
				Face:        face,
				ElBase:      ord * nfp,
				IndexListID: 0, // identity: boundary fields are face ordered
			},
			OppWriteMapID: wmapID,
			FaceJacobian:  1,
			Normal:        []float64{normal},
			BoundaryTag:   tag,
			BoundaryIndex: ord,
		})
	}
	addBoundary(leftTag, 0, 0, -1)
	addBoundary(rightTag, k-1, 1, 1)

	return m, nil
}

func identity(n int) []int {
	l := make([]int, n)
	for i := range l {
		l[i] = i
	}
	return l
}
