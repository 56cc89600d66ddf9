package device

import (
	"fmt"

	"github.com/notargets/dgop/kernels"
	"github.com/notargets/dgop/mesh"
	"github.com/notargets/dgop/partitions"
)

// GatherTables holds the flattened index buffers one flux gather kernel
// consumes, in the layout FluxGatherSource generates code for: per-block
// regions of SlotsPerBlock entries, each entry one writing face side.
type GatherTables struct {
	// PairsPerBlock is the active entry count of each block's region.
	PairsPerBlock []int32

	// PairTable holds 4 values per slot: the write base in the block's
	// face buffer, the orientation sign, and the entry's index into
	// FaceJac and Normals.
	PairTable []int32

	// GatherIdx holds one read index per (entry, argument slot, face
	// point), resolved to the correct side and buffer.
	GatherIdx []int32

	FaceJac []float64
	Normals []float64

	Dim           int
	SlotsPerBlock int

	// Halo is the replica region layout the tables' cross-block reads
	// assume.
	Halo *HaloLayout
}

// HaloLayout places each block's imported face replicas in a contiguous
// region appended to the packed volume buffer. During a flux kernel
// every read stays within the reading block's own volume range or its
// halo range; the replicas are filled by FillHalo beforehand.
type HaloLayout struct {
	// Base is the region's offset, equal to the packed volume length.
	Base int

	// Start is each block's offset within the region.
	Start []int

	// Size is the total replica float count.
	Size int
}

// BuildHaloLayout sizes the replica region for a face storage map. np is
// the volume node count per element.
func BuildHaloLayout(fm *partitions.FaceStorageMap, np int) *HaloLayout {
	nblk := len(fm.Layout.Blocks)
	hl := &HaloLayout{
		Base:  nblk * fm.Layout.KblockMax * np,
		Start: make([]int, nblk),
	}
	for b := 0; b < nblk; b++ {
		hl.Start[b] = hl.Size
		hl.Size += fm.HaloBufferSize(b)
	}
	return hl
}

// FillHalo materializes every block's imported face traces into the halo
// tail of a packed volume buffer: each import record copies the sending
// side's trace, narrowed by its read map, into the replica in this
// block's point order.
func FillHalo(packed []float64, hl *HaloLayout, fm *partitions.FaceStorageMap, np int) error {
	if len(packed) < hl.Base+hl.Size {
		return fmt.Errorf("packed buffer holds %d floats, halo layout needs %d",
			len(packed), hl.Base+hl.Size)
	}
	layout := fm.Layout
	for b := range layout.Blocks {
		for _, rec := range layout.Blocks[b].ExtFacesToMe {
			src := fm.Storage(rec.OtherBlock,
				layout.LocalID[rec.OtherElement], rec.OtherFace)
			if src.DupReadMap == nil {
				return fmt.Errorf("block %d imports block %d element %d face %d, which carries no replica read map",
					b, rec.OtherBlock, rec.OtherElement, rec.OtherFace)
			}
			srcBase := (rec.OtherBlock*layout.KblockMax + layout.LocalID[rec.OtherElement]) * np
			dst := hl.Base + hl.Start[b] + rec.DupOffset
			for pt := 0; pt < fm.Nfp; pt++ {
				packed[dst+pt] = packed[srcBase+src.NodeIndices[src.DupReadMap[pt]]]
			}
		}
	}
	return nil
}

// BuildGatherTables flattens a face group into the gather tables of one
// flux batch kernel. np is the volume node count per element; volume
// arguments are indexed in block-packed layout, and for boundary groups
// external slots index the tag's embedded boundary buffer instead.
// Cross-block pairs never read the partner block's volume range: their
// external reads go to the reading block's halo replicas, which FillHalo
// materializes before the kernel runs. The plan's per-block face pair
// capacity bounds each block's region; the partition builder guarantees
// it suffices.
func BuildGatherTables(fg *mesh.FaceGroup, fm *partitions.FaceStorageMap,
	k *kernels.Kernel, plan *partitions.ExecutionPlan, np int) (*GatherTables, error) {

	layout := fm.Layout
	nblk := len(layout.Blocks)
	nfp := fg.Nfp
	slots := plan.FacePairSlots

	dim := 1
	if len(fg.FacePairs) > 0 {
		dim = len(fg.FacePairs[0].Normal)
	}

	hl := BuildHaloLayout(fm, np)
	t := &GatherTables{
		PairsPerBlock: make([]int32, nblk),
		PairTable:     make([]int32, 4*nblk*slots),
		GatherIdx:     make([]int32, nblk*slots*len(k.Args)*nfp),
		FaceJac:       make([]float64, nblk*slots),
		Normals:       make([]float64, nblk*slots*dim),
		Dim:           dim,
		SlotsPerBlock: slots,
		Halo:          hl,
	}

	volBase := func(elem int) int {
		return (layout.EToB[elem]*layout.KblockMax + layout.LocalID[elem]) * np
	}

	addEntry := func(block int, writeBase int, sign int32, jac float64, normal []float64, reads func(slot, pt int) int) error {
		n := int(t.PairsPerBlock[block])
		if n >= slots {
			return fmt.Errorf("block %d exceeds plan capacity of %d face pairs", block, slots)
		}
		gid := block*slots + n
		t.PairsPerBlock[block]++

		t.PairTable[4*gid+0] = int32(writeBase)
		t.PairTable[4*gid+1] = sign
		t.PairTable[4*gid+2] = int32(gid)
		t.PairTable[4*gid+3] = int32(gid * dim)

		t.FaceJac[gid] = jac
		copy(t.Normals[gid*dim:(gid+1)*dim], normal)

		for s := 0; s < len(k.Args); s++ {
			for pt := 0; pt < nfp; pt++ {
				t.GatherIdx[(gid*len(k.Args)+s)*nfp+pt] = int32(reads(s, pt))
			}
		}
		return nil
	}

	for i := range fg.FacePairs {
		fp := &fg.FacePairs[i]
		locIdx := fg.IndexList(fp.Loc.IndexListID)
		oppIdx := fg.IndexList(fp.Opp.IndexListID)
		wmap := fg.IndexList(fp.OppWriteMapID)

		locBlock := layout.EToB[fp.Loc.Element]
		locStore := fm.Storage(locBlock, layout.LocalID[fp.Loc.Element], fp.Loc.Face)

		boundary := fp.Opp.Element < 0
		var oppBlock int
		var oppStore *partitions.InteriorFaceStorage
		if !boundary {
			oppBlock = layout.EToB[fp.Opp.Element]
			oppStore = fm.Storage(oppBlock, layout.LocalID[fp.Opp.Element], fp.Opp.Face)
		}

		locReads := func(slot, pt int) int {
			if k.Args[slot].Local {
				return volBase(fp.Loc.Element) + locIdx[pt]
			}
			if boundary {
				return fp.Opp.ElBase + oppIdx[pt]
			}
			if oppBlock != locBlock {
				// Replica of the neighbor's trace, already in this
				// side's point order.
				return hl.Base + hl.Start[locBlock] + oppStore.DupOffset + pt
			}
			return volBase(fp.Opp.Element) + oppIdx[pt]
		}
		if err := addEntry(locBlock, locStore.Offset, 1,
			fp.FaceJacobian, fp.Normal, locReads); err != nil {
			return nil, err
		}
		if boundary {
			continue
		}

		// Opposite side: roles swap, the normal flips through the sign,
		// and point pt of the write corresponds to local point invW[pt].
		invW := make([]int, nfp)
		for j, w := range wmap {
			invW[w] = j
		}
		oppReads := func(slot, pt int) int {
			j := invW[pt]
			if k.Args[slot].Local {
				return volBase(fp.Opp.Element) + oppIdx[j]
			}
			if oppBlock != locBlock {
				return hl.Base + hl.Start[oppBlock] + locStore.DupOffset + pt
			}
			return volBase(fp.Loc.Element) + locIdx[j]
		}
		if err := addEntry(oppBlock, oppStore.Offset, -1,
			fp.FaceJacobian, fp.Normal, oppReads); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// UploadTables places one kernel's gather tables into pooled device
// memory under prefixed names: <prefix>.pairsPerBlock, <prefix>.pairTable,
// <prefix>.gatherIdx, <prefix>.faceJac and <prefix>.normals.
func (d *Device) UploadTables(prefix string, t *GatherTables) error {
	if err := d.uploadInts(prefix+".pairsPerBlock", t.PairsPerBlock); err != nil {
		return err
	}
	if err := d.uploadInts(prefix+".pairTable", t.PairTable); err != nil {
		return err
	}
	if err := d.uploadInts(prefix+".gatherIdx", t.GatherIdx); err != nil {
		return err
	}
	if err := d.upload(prefix+".faceJac", t.FaceJac); err != nil {
		return err
	}
	return d.upload(prefix+".normals", t.Normals)
}
