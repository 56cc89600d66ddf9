// Package mesh defines the mesh-facing input contracts of the
// discretization engine: element connectivity, face pairs with their
// index-list remappings, per-face geometric data and boundary tagging.
// Mesh generation and file IO live outside this module; the line-mesh
// builder here exists for tests and examples.
package mesh

// FaceSide describes one side of a face pair: the owning element, the face
// number within it, the element's base offset into a volume field, and the
// index list resolving face-local dofs to element-local dofs.
type FaceSide struct {
	Element     int
	Face        int
	ElBase      int
	IndexListID int
}

// FacePair is the geometric correspondence between a face of one element
// (local side) and the matching face of its neighbor (opposite side). For
// boundary pairs the opposite side is virtual: Element is -1 and ElBase
// indexes the tag's boundary field.
type FacePair struct {
	Loc, Opp FaceSide

	// OppWriteMapID names the permutation that scatters values produced
	// in local-side point order into the opposite element's native face
	// ordering. The two sides' face-local dof orderings need not agree.
	OppWriteMapID int

	// FaceJacobian scales flux values to physical face area.
	FaceJacobian float64

	// Normal is the outward unit normal of the local side, one component
	// per spatial axis.
	Normal []float64

	// BoundaryTag is empty for interior pairs.
	BoundaryTag string
	// BoundaryIndex is the face's ordinal within its tag's boundary field.
	BoundaryIndex int
}

// FaceGroup collects the face pairs evaluated by one flux kernel
// invocation, together with the deduplicated index lists they reference.
type FaceGroup struct {
	FacePairs  []FacePair
	IndexLists [][]int

	Nfp          int
	Nfaces       int
	ElementCount int
}

// IndexList returns the index list with the given ID.
func (fg *FaceGroup) IndexList(id int) []int {
	return fg.IndexLists[id]
}

// FaceBufferSize returns the length of a face-resident buffer holding one
// value per face point of every element in the group.
func (fg *FaceGroup) FaceBufferSize() int {
	return fg.ElementCount * fg.Nfaces * fg.Nfp
}

// FofBase returns the base offset of (element, face) in a face-resident
// buffer laid out in natural traversal order.
func (fg *FaceGroup) FofBase(element, face int) int {
	return (element*fg.Nfaces + face) * fg.Nfp
}

// Mesh is the engine's view of an unstructured mesh: connectivity, face
// groups, boundary tagging and affine geometric factors.
type Mesh struct {
	K      int // element count
	Dim    int
	Np     int // nodes per element
	Nfp    int // nodes per face
	Nfaces int

	// EToE[k][f] is the neighbor across face f of element k; an element
	// is its own neighbor across boundary faces. EToF names the matching
	// face on the neighbor.
	EToE [][]int
	EToF [][]int

	X []float64 // nodal coordinates, K*Np (1D)
	J []float64 // affine volume Jacobian per element

	// Metric[axis][dir][e] converts reference-direction derivatives into
	// the physical derivative along axis.
	Metric [][][]float64

	Interior     *FaceGroup
	Boundaries   map[string]*FaceGroup
	BoundaryTags []string // deterministic tag order
}

// Boundary returns the face group for tag, or nil.
func (m *Mesh) Boundary(tag string) *FaceGroup {
	return m.Boundaries[tag]
}

// BoundarySize returns the length of a boundary field for tag: one value
// per face point of every face carrying the tag.
func (m *Mesh) BoundarySize(tag string) int {
	fg := m.Boundaries[tag]
	if fg == nil {
		return 0
	}
	return len(fg.FacePairs) * fg.Nfp
}

// VolumeSize returns the length of a volume field.
func (m *Mesh) VolumeSize() int { return m.K * m.Np }

// InverseJacobians returns 1/J per element.
func (m *Mesh) InverseJacobians() []float64 {
	inv := make([]float64, len(m.J))
	for i, j := range m.J {
		inv[i] = 1 / j
	}
	return inv
}

// AdjacencyGraph returns the element-adjacency graph in CSR form, the
// input format of the graph-partitioning collaborator. Boundary self-loops
// are omitted.
func (m *Mesh) AdjacencyGraph() (xadj, adjncy []int32) {
	xadj = make([]int32, 1, m.K+1)
	for k := 0; k < m.K; k++ {
		for f := 0; f < m.Nfaces; f++ {
			if nbr := m.EToE[k][f]; nbr != k {
				adjncy = append(adjncy, int32(nbr))
			}
		}
		xadj = append(xadj, int32(len(adjncy)))
	}
	return xadj, adjncy
}

// indexListRegistry deduplicates face index lists, reserving ID 0 for the
// identity list 0..Nfp-1.
type indexListRegistry struct {
	lists [][]int
	index map[string]int
}

func newIndexListRegistry(nfp int) *indexListRegistry {
	r := &indexListRegistry{index: make(map[string]int)}
	identity := make([]int, nfp)
	for i := range identity {
		identity[i] = i
	}
	r.Register(identity)
	return r
}

func listKey(list []int) string {
	key := make([]byte, 0, len(list)*3)
	for _, v := range list {
		key = append(key, byte(v), byte(v>>8), ',')
	}
	return string(key)
}

// Register interns list and returns its ID.
func (r *indexListRegistry) Register(list []int) int {
	key := listKey(list)
	if id, ok := r.index[key]; ok {
		return id
	}
	id := len(r.lists)
	r.lists = append(r.lists, append([]int(nil), list...))
	r.index[key] = id
	return id
}
