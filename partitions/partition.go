package partitions

import (
	"fmt"
	"math"
)

// Block is one accelerator thread block's share of the mesh: a set of
// global elements renumbered to a dense local range.
type Block struct {
	// Unique identifier, also the block's index in its layout
	Number int

	// Elements holds global element indices in local order; local id i
	// names global element Elements[i]
	Elements []int

	// Faces this block produces for neighbors and expects from them,
	// filled in by the face storage map
	ExtFacesFromMe []CrossBlockFace
	ExtFacesToMe   []CrossBlockFace
}

// NumElements returns the block's active element count.
func (b *Block) NumElements() int { return len(b.Elements) }

// LocalID returns the block-local id of a global element, or -1.
func (b *Block) LocalID(globalElem int) int {
	for i, e := range b.Elements {
		if e == globalElem {
			return i
		}
	}
	return -1
}

// CrossBlockFace names one face side whose neighbor lives in another
// block, from the owning block's perspective: the local face that sends
// and receives, and the peer block and face it exchanges with.
type CrossBlockFace struct {
	LocalElement int // element id within the owning block
	Face         int
	OtherBlock   int
	OtherElement int // global id of the neighbor element
	OtherFace    int

	// DupOffset locates the peer side's replicated trace within the
	// owning block's halo buffer.
	DupOffset int
}

// BlockLayout is the complete decomposition of a mesh into blocks.
type BlockLayout struct {
	Blocks []Block

	// KblockMax is the largest active element count of any block; device
	// buffers are padded to it so every block indexes uniformly
	KblockMax     int
	TotalElements int

	// EToB maps each global element to its block
	EToB []int
	// LocalID maps each global element to its id within its block
	LocalID []int
}

// BlockOf returns the block containing a global element, or -1.
func (bl *BlockLayout) BlockOf(globalElem int) int {
	if globalElem < 0 || globalElem >= len(bl.EToB) {
		return -1
	}
	return bl.EToB[globalElem]
}

// buildLayout groups an element-to-block assignment into Block structures,
// preserving global element order within each block.
func buildLayout(eToB []int, numBlocks int) *BlockLayout {
	layout := &BlockLayout{
		Blocks:        make([]Block, numBlocks),
		TotalElements: len(eToB),
		EToB:          eToB,
		LocalID:       make([]int, len(eToB)),
	}
	for i := range layout.Blocks {
		layout.Blocks[i].Number = i
	}
	for elem, b := range eToB {
		blk := &layout.Blocks[b]
		layout.LocalID[elem] = len(blk.Elements)
		blk.Elements = append(blk.Elements, elem)
	}
	for _, blk := range layout.Blocks {
		if n := blk.NumElements(); n > layout.KblockMax {
			layout.KblockMax = n
		}
	}
	return layout
}

// Validate checks that the layout conserves elements: every element is in
// exactly one block and local numbering is dense.
func (bl *BlockLayout) Validate() error {
	seen := make([]bool, bl.TotalElements)
	total := 0
	for _, blk := range bl.Blocks {
		for local, elem := range blk.Elements {
			if elem < 0 || elem >= bl.TotalElements {
				return fmt.Errorf("block %d references element %d outside mesh", blk.Number, elem)
			}
			if seen[elem] {
				return fmt.Errorf("element %d appears in more than one block", elem)
			}
			seen[elem] = true
			if bl.EToB[elem] != blk.Number {
				return fmt.Errorf("element %d: EToB says block %d, found in block %d",
					elem, bl.EToB[elem], blk.Number)
			}
			if bl.LocalID[elem] != local {
				return fmt.Errorf("element %d: local id %d recorded as %d",
					elem, local, bl.LocalID[elem])
			}
			total++
		}
	}
	if total != bl.TotalElements {
		return fmt.Errorf("layout holds %d elements, mesh has %d", total, bl.TotalElements)
	}
	return nil
}

// Stats summarizes block load balance.
type Stats struct {
	NumBlocks   int
	MinElements int
	MaxElements int
	AvgElements float64
	Imbalance   float64 // MaxElements / AvgElements
}

// Statistics computes load balance metrics over the layout.
func (bl *BlockLayout) Statistics() Stats {
	s := Stats{
		NumBlocks:   len(bl.Blocks),
		MinElements: math.MaxInt32,
		AvgElements: float64(bl.TotalElements) / float64(len(bl.Blocks)),
	}
	for _, blk := range bl.Blocks {
		n := blk.NumElements()
		if n < s.MinElements {
			s.MinElements = n
		}
		if n > s.MaxElements {
			s.MaxElements = n
		}
	}
	s.Imbalance = float64(s.MaxElements) / s.AvgElements
	return s
}
