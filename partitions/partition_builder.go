package partitions

import (
	"fmt"
	"log/slog"

	"github.com/notargets/dgop/mesh"
)

// Builder cuts a mesh into blocks matching an execution plan. The graph
// partitioner balances element counts but not face counts, so the builder
// refines: it partitions, measures the worst block's flux load, and raises
// the block count until the plan's serial budget and occupancy hold.
type Builder struct {
	Mesh *mesh.Mesh
	Cfg  *PlanConfig
	Plan *ExecutionPlan

	// Partition cuts the element graph; nil selects MetisPartition.
	Partition PartitionFunc

	// MaxAttempts bounds the refinement loop. Zero selects
	// DefaultMaxAttempts.
	MaxAttempts int

	Logger *slog.Logger
}

// DefaultMaxAttempts bounds how many block counts the builder tries
// before declaring the plan infeasible.
const DefaultMaxAttempts = 100

// PartitionInfeasibleError reports that accelerator construction found no
// valid execution plan: either the plan search had no admissible
// configuration for the element and device combination, or no block count
// within the attempt budget produced blocks fitting the chosen plan.
type PartitionInfeasibleError struct {
	// Plan search detail, set when the search itself comes up empty.
	Np     int
	Device DeviceSpec

	// Refinement detail, set when a chosen plan cannot be realized.
	Attempts   int
	LastBlocks int
	NeededS    int
	PlanS      int
}

func (e *PartitionInfeasibleError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("no execution plan fits %d nodes per element on device (smem %d)",
			e.Np, e.Device.SharedMemPerBlock)
	}
	return fmt.Sprintf("no feasible block partition after %d attempts (last tried %d blocks, worst block needs s=%d, plan allows s=%d)",
		e.Attempts, e.LastBlocks, e.NeededS, e.PlanS)
}

// Build runs the refinement loop and returns a validated layout.
func (pb *Builder) Build() (*BlockLayout, error) {
	part := pb.Partition
	if part == nil {
		part = MetisPartition
	}
	maxAttempts := pb.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	xadj, adjncy := pb.Mesh.AdjacencyGraph()
	numBlocks := (pb.Mesh.K + pb.Plan.ElementsPerBlock - 1) / pb.Plan.ElementsPerBlock
	if numBlocks < 1 {
		numBlocks = 1
	}

	var lastNeededS int
	attempts := 0
	for attempt := 1; attempt <= maxAttempts && numBlocks <= pb.Mesh.K; attempt++ {
		attempts = attempt
		eToB, err := part(xadj, adjncy, numBlocks)
		if err != nil {
			return nil, err
		}
		layout := buildLayout(eToB, numBlocks)
		if err := layout.Validate(); err != nil {
			return nil, fmt.Errorf("partitioner produced invalid layout: %w", err)
		}

		neededS := pb.neededSerial(layout)
		occ := occupancy(pb.Cfg.Device, pb.Plan.Threads,
			pb.Cfg.sharedMemUse(layout.KblockMax, pb.Plan.FacePairSlots))
		if occ > pb.Cfg.occupancyCeiling() {
			occ = pb.Cfg.occupancyCeiling()
		}

		if neededS <= pb.Plan.Par.S && equalOccupancy(occ, pb.Plan.Occupancy) {
			if pb.Logger != nil {
				pb.Logger.Debug("block partition accepted",
					"blocks", numBlocks,
					"attempt", attempt,
					"kblock_max", layout.KblockMax,
					"needed_s", neededS)
			}
			return layout, nil
		}
		if pb.Logger != nil {
			pb.Logger.Debug("block partition rejected",
				"blocks", numBlocks,
				"needed_s", neededS,
				"plan_s", pb.Plan.Par.S,
				"occupancy", occ)
		}
		lastNeededS = neededS
		numBlocks++
	}
	return nil, &PartitionInfeasibleError{
		Attempts:   attempts,
		LastBlocks: numBlocks - 1,
		NeededS:    lastNeededS,
		PlanS:      pb.Plan.Par.S,
	}
}

// neededSerial returns the serial loop length the worst block demands of
// the plan's parallel lanes.
func (pb *Builder) neededSerial(layout *BlockLayout) int {
	worst := 0
	for b := range layout.Blocks {
		if n := pb.blockFacePairs(layout, b); n > worst {
			worst = n
		}
	}
	return (worst + pb.Plan.Par.P - 1) / pb.Plan.Par.P
}

// blockFacePairs counts the face pairs a block's flux stage handles:
// intra-block pairs once, boundary and cross-block faces once per side the
// block owns.
func (pb *Builder) blockFacePairs(layout *BlockLayout, block int) int {
	m := pb.Mesh
	count := 0
	for _, elem := range layout.Blocks[block].Elements {
		for f := 0; f < m.Nfaces; f++ {
			nbr := m.EToE[elem][f]
			switch {
			case nbr == elem:
				count++ // boundary face
			case layout.EToB[nbr] != block:
				count++ // cross-block face, this side's copy
			case elem < nbr:
				count++ // intra-block pair, counted from the lower element
			}
		}
	}
	return count
}

func (cfg *PlanConfig) occupancyCeiling() float64 {
	if cfg.OccupancyCeiling == 0 {
		return DefaultOccupancyCeiling
	}
	return cfg.OccupancyCeiling
}

func equalOccupancy(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= occupancyTolerance
}
