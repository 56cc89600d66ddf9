package partitions

import (
	"errors"
	"testing"

	"github.com/notargets/dgop/mesh"
)

// twoBlockMap cuts a two-element line mesh one element per block.
func twoBlockMap(t *testing.T) (*mesh.Mesh, *FaceStorageMap) {
	t.Helper()
	m := lineMesh(t, 2)
	layout := buildLayout([]int{0, 1}, 2)
	fm, err := BuildFaceStorageMap(m, layout)
	if err != nil {
		t.Fatalf("BuildFaceStorageMap: %v", err)
	}
	return m, fm
}

func TestSharedFaceLinkedBothWays(t *testing.T) {
	_, fm := twoBlockMap(t)

	left := fm.Storage(0, 0, 1)  // element 0, right face
	right := fm.Storage(1, 0, 0) // element 1, left face
	if left.Opposite != right {
		t.Errorf("left side opposite = %v, want the right side", left.Opposite)
	}
	if right.Opposite != left {
		t.Errorf("right side opposite = %v, want the left side", right.Opposite)
	}
	if len(left.OppWriteMap) != 1 || left.OppWriteMap[0] != 0 {
		t.Errorf("OppWriteMap = %v, want identity of length 1", left.OppWriteMap)
	}
	if len(left.NodeIndices) != 1 {
		t.Errorf("NodeIndices = %v, want one face point", left.NodeIndices)
	}
}

func TestBoundaryFacesCarryTags(t *testing.T) {
	_, fm := twoBlockMap(t)

	for _, tc := range []struct {
		block, face int
		tag         string
	}{
		{0, 0, "left"},
		{1, 1, "right"},
	} {
		s := fm.Storage(tc.block, 0, tc.face)
		bnd, ok := s.Opposite.(*BoundaryFaceStorage)
		if !ok {
			t.Fatalf("block %d face %d opposite is %T, want boundary storage",
				tc.block, tc.face, s.Opposite)
		}
		if bnd.Tag != tc.tag {
			t.Errorf("block %d face %d tag %q, want %q", tc.block, tc.face, bnd.Tag, tc.tag)
		}
		if bnd.BoundaryIndex != 0 {
			t.Errorf("tag %q boundary index %d, want 0", bnd.Tag, bnd.BoundaryIndex)
		}
	}
}

func TestCrossBlockFacesRegisteredOnBothBlocks(t *testing.T) {
	_, fm := twoBlockMap(t)

	for b := 0; b < 2; b++ {
		blk := &fm.Layout.Blocks[b]
		if len(blk.ExtFacesFromMe) != 1 || len(blk.ExtFacesToMe) != 1 {
			t.Fatalf("block %d exchange lists: %d exports, %d imports, want 1 each",
				b, len(blk.ExtFacesFromMe), len(blk.ExtFacesToMe))
		}
		exp := blk.ExtFacesFromMe[0]
		if exp.OtherBlock != 1-b {
			t.Errorf("block %d exports to block %d, want %d", b, exp.OtherBlock, 1-b)
		}
		if imp := blk.ExtFacesToMe[0]; imp.OtherBlock != 1-b {
			t.Errorf("block %d imports from block %d, want %d", b, imp.OtherBlock, 1-b)
		}
	}
	exp := fm.Layout.Blocks[0].ExtFacesFromMe[0]
	if exp.LocalElement != 0 || exp.Face != 1 || exp.OtherElement != 1 || exp.OtherFace != 0 {
		t.Errorf("block 0 export = %+v", exp)
	}
}

func TestDuplicatedFaceReplicaBookkeeping(t *testing.T) {
	_, fm := twoBlockMap(t)

	left := fm.Storage(0, 0, 1)
	right := fm.Storage(1, 0, 0)
	for _, s := range []*InteriorFaceStorage{left, right} {
		if s.DupOffset != 0 {
			t.Errorf("%s replica offset %d, want 0", s.storageLabel(), s.DupOffset)
		}
		if len(s.DupReadMap) != 1 || s.DupReadMap[0] != 0 {
			t.Errorf("%s replica read map %v, want [0]", s.storageLabel(), s.DupReadMap)
		}
	}
	for b := 0; b < 2; b++ {
		if got := fm.HaloBufferSize(b); got != 1 {
			t.Errorf("block %d halo size %d, want 1", b, got)
		}
		if imp := fm.Layout.Blocks[b].ExtFacesToMe[0]; imp.DupOffset != 0 {
			t.Errorf("block %d import replica offset %d, want 0", b, imp.DupOffset)
		}
	}

	// Boundary-linked faces stay block-local.
	if s := fm.Storage(0, 0, 0); s.DupOffset != -1 || s.DupReadMap != nil {
		t.Errorf("boundary-linked face carries replica bookkeeping: offset %d, map %v",
			s.DupOffset, s.DupReadMap)
	}
}

func TestDuplicatedFaceListsNarrowedAndPermuted(t *testing.T) {
	// Two elements of four nodes with two-point faces, cut into two
	// blocks. The shared face's orientations disagree: local point 0
	// touches opposite point 1 and vice versa.
	fg := &mesh.FaceGroup{
		Nfp:          2,
		Nfaces:       2,
		ElementCount: 2,
		IndexLists: [][]int{
			{0, 1}, // identity
			{2, 3}, // local side, element 0 face 1, native order
			{1, 0}, // opposite side aligned to the local points
			{1, 0}, // write map
		},
		FacePairs: []mesh.FacePair{{
			Loc:           mesh.FaceSide{Element: 0, Face: 1, ElBase: 0, IndexListID: 1},
			Opp:           mesh.FaceSide{Element: 1, Face: 0, ElBase: 4, IndexListID: 2},
			OppWriteMapID: 3,
			FaceJacobian:  1,
			Normal:        []float64{1},
		}},
	}
	m := &mesh.Mesh{K: 2, Dim: 1, Np: 4, Nfp: 2, Nfaces: 2, Interior: fg}
	layout := buildLayout([]int{0, 1}, 2)

	fm, err := BuildFaceStorageMap(m, layout)
	if err != nil {
		t.Fatalf("BuildFaceStorageMap: %v", err)
	}

	loc := fm.Storage(0, 0, 1)
	opp := fm.Storage(1, 0, 0)

	// The opposite side's list comes out in its own native order.
	if opp.NodeIndices[0] != 0 || opp.NodeIndices[1] != 1 {
		t.Errorf("opposite native indices %v, want [0 1]", opp.NodeIndices)
	}

	// Each replica read map narrows the sender's element-local list to
	// face-local positions in the reader's point order: the local block
	// wants the opposite trace flipped, and the opposite block wants the
	// local trace flipped.
	for _, tc := range []struct {
		side *InteriorFaceStorage
		name string
	}{{loc, "local"}, {opp, "opposite"}} {
		if got := tc.side.DupReadMap; len(got) != 2 || got[0] != 1 || got[1] != 0 {
			t.Errorf("%s replica read map %v, want [1 0]", tc.name, got)
		}
	}

	// Reading the sender's list through its map yields the reader-order
	// node sequence.
	if n0, n1 := opp.NodeIndices[opp.DupReadMap[0]], opp.NodeIndices[opp.DupReadMap[1]]; n0 != 1 || n1 != 0 {
		t.Errorf("narrowed opposite trace reads nodes [%d %d], want [1 0]", n0, n1)
	}
	if n0, n1 := loc.NodeIndices[loc.DupReadMap[0]], loc.NodeIndices[loc.DupReadMap[1]]; n0 != 3 || n1 != 2 {
		t.Errorf("narrowed local trace reads nodes [%d %d], want [3 2]", n0, n1)
	}

	if fm.HaloBufferSize(0) != 2 || fm.HaloBufferSize(1) != 2 {
		t.Errorf("halo sizes %d and %d, want 2 each",
			fm.HaloBufferSize(0), fm.HaloBufferSize(1))
	}
}

func TestFaceBufferLayout(t *testing.T) {
	m, fm := twoBlockMap(t)
	if got := fm.FaceBufferSize(); got != fm.Layout.KblockMax*m.Nfaces*m.Nfp {
		t.Errorf("FaceBufferSize = %d", got)
	}
	for b := 0; b < 2; b++ {
		for f := 0; f < m.Nfaces; f++ {
			if got, want := fm.Storage(b, 0, f).BufferOffset(), f*m.Nfp; got != want {
				t.Errorf("block %d face %d offset %d, want %d", b, f, got, want)
			}
		}
	}
}

func TestSingleBlockHasNoExchanges(t *testing.T) {
	m := lineMesh(t, 4)
	layout := buildLayout([]int{0, 0, 0, 0}, 1)
	fm, err := BuildFaceStorageMap(m, layout)
	if err != nil {
		t.Fatalf("BuildFaceStorageMap: %v", err)
	}
	blk := &fm.Layout.Blocks[0]
	if len(blk.ExtFacesFromMe) != 0 || len(blk.ExtFacesToMe) != 0 {
		t.Errorf("single block has %d exports, %d imports",
			len(blk.ExtFacesFromMe), len(blk.ExtFacesToMe))
	}
	// Every face side must have its opposite.
	for local := 0; local < 4; local++ {
		for f := 0; f < m.Nfaces; f++ {
			if fm.Storage(0, local, f).Opposite == nil {
				t.Errorf("element %d face %d unlinked", local, f)
			}
		}
	}
}

func TestOppositeSetOnlyOnce(t *testing.T) {
	a := &InteriorFaceStorage{Block: 0, LocalElement: 0, Face: 1}
	b := &InteriorFaceStorage{Block: 1, LocalElement: 0, Face: 0}
	c := &InteriorFaceStorage{Block: 1, LocalElement: 1, Face: 0}

	if err := a.setOpposite(b, []int{0}); err != nil {
		t.Fatalf("first setOpposite: %v", err)
	}
	if err := a.setOpposite(c, []int{0}); err == nil {
		t.Error("second setOpposite accepted")
	}
}

func TestExchangeMismatchDetected(t *testing.T) {
	_, fm := twoBlockMap(t)

	// Inject a phantom export: block 0 claims a second face for block 1.
	blk := &fm.Layout.Blocks[0]
	blk.ExtFacesFromMe = append(blk.ExtFacesFromMe, CrossBlockFace{
		LocalElement: 0, Face: 0, OtherBlock: 1,
	})

	err := fm.checkExchange()
	var ive *InvariantViolationError
	if !errors.As(err, &ive) {
		t.Fatalf("got %v, want InvariantViolationError", err)
	}
}

func TestInvertWriteMap(t *testing.T) {
	inv := invertWriteMap([]int{2, 0, 1})
	want := []int{1, 2, 0}
	for i := range want {
		if inv[i] != want[i] {
			t.Fatalf("invertWriteMap = %v, want %v", inv, want)
		}
	}
}
