package partitions

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/notargets/dgop/mesh"
	"github.com/notargets/dgop/utils"
)

// FaceStorage is one stored face side in a block's face buffer: either an
// element face held by a block, or a boundary face backed by a tagged
// boundary field.
type FaceStorage interface {
	// BufferOffset is the face's base offset in its backing buffer.
	BufferOffset() int
	storageLabel() string
}

// InteriorFaceStorage is an element face stored in a block's face buffer.
// Its opposite side is set exactly once during map construction: the
// matching element face (same block or not) or a boundary face.
type InteriorFaceStorage struct {
	Block        int
	LocalElement int
	Face         int
	Offset       int

	// NodeIndices are the element-local volume indices of the face's
	// points, in this side's native order.
	NodeIndices []int

	// Opposite is the other side of this face. For cross-block faces both
	// sides keep their own storage and each names the other.
	Opposite FaceStorage

	// OppWriteMap scatters values produced in this side's point order
	// into the opposite side's native order. Identity when both sides
	// agree.
	OppWriteMap []int

	// DupOffset locates this side's replicated trace in the peer
	// block's halo buffer when the face crosses a block boundary;
	// -1 for block-local faces.
	DupOffset int

	// DupReadMap narrows this side's stored trace to face-local read
	// positions, permuted so sequential writes fill the replica in the
	// reading block's point order. Nil for block-local faces.
	DupReadMap []int
}

func (s *InteriorFaceStorage) BufferOffset() int { return s.Offset }

func (s *InteriorFaceStorage) storageLabel() string {
	return fmt.Sprintf("block %d element %d face %d", s.Block, s.LocalElement, s.Face)
}

// setOpposite links the two sides of a face. Each side accepts exactly
// one opposite.
func (s *InteriorFaceStorage) setOpposite(other FaceStorage, wmap []int) error {
	if s.Opposite != nil {
		return fmt.Errorf("%s already has opposite %s, refusing %s",
			s.storageLabel(), s.Opposite.storageLabel(), other.storageLabel())
	}
	s.Opposite = other
	s.OppWriteMap = wmap
	return nil
}

// BoundaryFaceStorage is a face side backed by a boundary field rather
// than a neighbor element.
type BoundaryFaceStorage struct {
	Tag           string
	BoundaryIndex int
	Offset        int
}

func (s *BoundaryFaceStorage) BufferOffset() int { return s.Offset }

func (s *BoundaryFaceStorage) storageLabel() string {
	return fmt.Sprintf("boundary %q face %d", s.Tag, s.BoundaryIndex)
}

// InvariantViolationError aggregates structural inconsistencies found
// while building or checking a face storage map.
type InvariantViolationError struct {
	Err error
}

func (e *InvariantViolationError) Error() string {
	return "face storage map invariant violated: " + e.Err.Error()
}

func (e *InvariantViolationError) Unwrap() error { return e.Err }

// FaceStorageMap routes face-point data for a partitioned mesh: every
// element face of every block gets storage, every storage gets exactly one
// opposite, and cross-block faces are registered on both blocks' exchange
// lists.
type FaceStorageMap struct {
	Layout *BlockLayout

	Nfp    int
	Nfaces int

	// storage[block][localElem*Nfaces+face]
	storage [][]*InteriorFaceStorage
}

// Storage returns the storage of (block, local element, face).
func (fm *FaceStorageMap) Storage(block, localElem, face int) *InteriorFaceStorage {
	return fm.storage[block][localElem*fm.Nfaces+face]
}

// FaceBufferSize returns the face buffer length a block needs, padded to
// the layout's uniform block size.
func (fm *FaceStorageMap) FaceBufferSize() int {
	return fm.Layout.KblockMax * fm.Nfaces * fm.Nfp
}

// BuildFaceStorageMap constructs the face storage map for a mesh cut into
// blocks. Interior pairs link their two sides mutually; boundary faces
// link to boundary storage carrying their tag. The export/import lists of
// every block pair are checked for consistency before returning.
func BuildFaceStorageMap(m *mesh.Mesh, layout *BlockLayout) (*FaceStorageMap, error) {
	fm := &FaceStorageMap{
		Layout:  layout,
		Nfp:     m.Nfp,
		Nfaces:  m.Nfaces,
		storage: make([][]*InteriorFaceStorage, len(layout.Blocks)),
	}
	for b := range layout.Blocks {
		blk := &layout.Blocks[b]
		fm.storage[b] = make([]*InteriorFaceStorage, blk.NumElements()*m.Nfaces)
		for local := 0; local < blk.NumElements(); local++ {
			for f := 0; f < m.Nfaces; f++ {
				fm.storage[b][local*m.Nfaces+f] = &InteriorFaceStorage{
					Block:        b,
					LocalElement: local,
					Face:         f,
					Offset:       (local*m.Nfaces + f) * m.Nfp,
					DupOffset:    -1,
				}
			}
		}
	}

	link := func(fp *mesh.FacePair, fg *mesh.FaceGroup) error {
		locBlock := layout.EToB[fp.Loc.Element]
		loc := fm.Storage(locBlock, layout.LocalID[fp.Loc.Element], fp.Loc.Face)
		locIdx := fg.IndexList(fp.Loc.IndexListID)
		loc.NodeIndices = locIdx
		wmap := fg.IndexList(fp.OppWriteMapID)

		if fp.Opp.Element < 0 {
			bnd := &BoundaryFaceStorage{
				Tag:           fp.BoundaryTag,
				BoundaryIndex: fp.BoundaryIndex,
				Offset:        fp.Opp.ElBase,
			}
			return loc.setOpposite(bnd, wmap)
		}

		// The pair's opposite index list is aligned with the local
		// side's point order; scattering it through the write map
		// recovers the opposite side's native ordering.
		oppIdx := fg.IndexList(fp.Opp.IndexListID)
		oppNative, err := utils.ApplyWriteMap(wmap, oppIdx)
		if err != nil {
			return err
		}
		oppBlock := layout.EToB[fp.Opp.Element]
		opp := fm.Storage(oppBlock, layout.LocalID[fp.Opp.Element], fp.Opp.Face)
		opp.NodeIndices = oppNative
		if err := loc.setOpposite(opp, wmap); err != nil {
			return err
		}
		if err := opp.setOpposite(loc, invertWriteMap(wmap)); err != nil {
			return err
		}

		if locBlock != oppBlock {
			return fm.registerExchange(locBlock, oppBlock, fp, loc, opp, locIdx, oppIdx, wmap)
		}
		return nil
	}

	var errs []error
	for i := range m.Interior.FacePairs {
		if err := link(&m.Interior.FacePairs[i], m.Interior); err != nil {
			errs = append(errs, err)
		}
	}
	for _, tag := range m.BoundaryTags {
		fg := m.Boundary(tag)
		for i := range fg.FacePairs {
			if err := link(&fg.FacePairs[i], fg); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := multierr.Combine(errs...); err != nil {
		return nil, &InvariantViolationError{Err: err}
	}

	if err := fm.checkExchange(); err != nil {
		return nil, err
	}
	return fm, nil
}

// registerExchange records a cross-block face on both blocks and sizes
// each side's replica. A shared face both sends and receives on each
// side, so each block appends its own record, naming the peer in
// OtherBlock, to both its export and its import list. Each side's
// element-local index list is narrowed to face-local read positions in
// the reading block's point order, so the exchange fills every replica
// with sequential writes.
func (fm *FaceStorageMap) registerExchange(locBlock, oppBlock int, fp *mesh.FacePair,
	loc, opp *InteriorFaceStorage, locIdx, oppIdx, wmap []int) error {

	layout := fm.Layout

	// The local side stores its trace in the pair's point order; the
	// opposite block reads it permuted through the write map.
	locInOppOrder, err := utils.ApplyWriteMap(wmap, locIdx)
	if err != nil {
		return err
	}
	dupFromLoc, err := utils.ReadMap(locIdx, locInOppOrder)
	if err != nil {
		return err
	}
	// The opposite side stores natively; the local block reads it in
	// the pair-aligned order.
	dupFromOpp, err := utils.ReadMap(opp.NodeIndices, oppIdx)
	if err != nil {
		return err
	}

	lb, ob := &layout.Blocks[locBlock], &layout.Blocks[oppBlock]
	opp.DupOffset = len(lb.ExtFacesToMe) * fm.Nfp
	opp.DupReadMap = dupFromOpp
	loc.DupOffset = len(ob.ExtFacesToMe) * fm.Nfp
	loc.DupReadMap = dupFromLoc

	fromLoc := CrossBlockFace{
		LocalElement: layout.LocalID[fp.Loc.Element],
		Face:         fp.Loc.Face,
		OtherBlock:   oppBlock,
		OtherElement: fp.Opp.Element,
		OtherFace:    fp.Opp.Face,
		DupOffset:    opp.DupOffset,
	}
	fromOpp := CrossBlockFace{
		LocalElement: layout.LocalID[fp.Opp.Element],
		Face:         fp.Opp.Face,
		OtherBlock:   locBlock,
		OtherElement: fp.Loc.Element,
		OtherFace:    fp.Loc.Face,
		DupOffset:    loc.DupOffset,
	}
	lb.ExtFacesFromMe = append(lb.ExtFacesFromMe, fromLoc)
	lb.ExtFacesToMe = append(lb.ExtFacesToMe, fromLoc)
	ob.ExtFacesFromMe = append(ob.ExtFacesFromMe, fromOpp)
	ob.ExtFacesToMe = append(ob.ExtFacesToMe, fromOpp)
	return nil
}

// HaloBufferSize returns the replica buffer length a block needs for
// face traces imported from other blocks.
func (fm *FaceStorageMap) HaloBufferSize(block int) int {
	return len(fm.Layout.Blocks[block].ExtFacesToMe) * fm.Nfp
}

// checkExchange verifies that every export has a matching import: for each
// ordered block pair, block a exports to b exactly as many faces as b
// imports from a. All violations are reported together.
func (fm *FaceStorageMap) checkExchange() error {
	type route struct{ from, to int }
	exports := make(map[route]int)
	imports := make(map[route]int)
	for b := range fm.Layout.Blocks {
		blk := &fm.Layout.Blocks[b]
		for _, f := range blk.ExtFacesFromMe {
			exports[route{from: b, to: f.OtherBlock}]++
		}
		for _, f := range blk.ExtFacesToMe {
			imports[route{from: f.OtherBlock, to: b}]++
		}
	}

	var errs []error
	for r, n := range exports {
		if m := imports[r]; m != n {
			errs = append(errs, fmt.Errorf("block %d exports %d faces to block %d, which imports %d",
				r.from, n, r.to, m))
		}
	}
	for r, m := range imports {
		if _, ok := exports[r]; !ok {
			errs = append(errs, fmt.Errorf("block %d imports %d faces from block %d, which exports none",
				r.to, m, r.from))
		}
	}
	if err := multierr.Combine(errs...); err != nil {
		return &InvariantViolationError{Err: err}
	}
	return nil
}

// invertWriteMap returns the inverse permutation.
func invertWriteMap(wmap []int) []int {
	inv := make([]int, len(wmap))
	for i, w := range wmap {
		inv[w] = i
	}
	return inv
}
