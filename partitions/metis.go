package partitions

import (
	"fmt"

	metis "github.com/notargets/go-metis"
)

// PartitionFunc assigns each graph vertex (element) to one of nparts
// parts, given the element adjacency graph in CSR form. Implementations
// must return one part id per vertex.
type PartitionFunc func(xadj, adjncy []int32, nparts int) ([]int, error)

// MetisPartition cuts the element graph with METIS k-way partitioning,
// minimizing the number of cross-block faces.
func MetisPartition(xadj, adjncy []int32, nparts int) ([]int, error) {
	nvtxs := len(xadj) - 1
	if nparts <= 1 {
		return make([]int, nvtxs), nil
	}
	parts, _, err := metis.PartGraphKway(xadj, adjncy, int32(nparts), nil)
	if err != nil {
		return nil, fmt.Errorf("metis k-way partition into %d parts: %w", nparts, err)
	}
	out := make([]int, nvtxs)
	for i, p := range parts {
		out[i] = int(p)
	}
	return out, nil
}

// BlockPartition assigns consecutive vertex ranges to parts. It ignores
// the graph edges; useful as a deterministic fallback and in tests.
func BlockPartition(xadj, adjncy []int32, nparts int) ([]int, error) {
	nvtxs := len(xadj) - 1
	if nparts < 1 {
		return nil, fmt.Errorf("need at least one part, got %d", nparts)
	}
	per := (nvtxs + nparts - 1) / nparts
	out := make([]int, nvtxs)
	for i := range out {
		p := i / per
		if p >= nparts {
			p = nparts - 1
		}
		out[i] = p
	}
	return out, nil
}
