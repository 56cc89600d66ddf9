// Package partitions decomposes a mesh into fixed-size element blocks for
// accelerator execution and builds the face storage map that routes
// face-point data within and across blocks.
package partitions

import (
	"fmt"
	"log/slog"
	"math"
)

// DeviceSpec describes the accelerator the plan search targets. The zero
// value is unusable; DefaultDeviceSpec matches a modest discrete GPU.
type DeviceSpec struct {
	WarpSize           int
	MaxThreadsPerBlock int
	MaxWarpsPerMP      int
	SharedMemPerMP     int // bytes
	SharedMemPerBlock  int // bytes
	MPCount            int
}

// DefaultDeviceSpec returns a conservative device description usable when
// no hardware query is available.
func DefaultDeviceSpec() DeviceSpec {
	return DeviceSpec{
		WarpSize:           32,
		MaxThreadsPerBlock: 1024,
		MaxWarpsPerMP:      48,
		SharedMemPerMP:     96 * 1024,
		SharedMemPerBlock:  48 * 1024,
		MPCount:            16,
	}
}

// Parallelism splits the work per thread block into parallel lanes and a
// serial loop per lane. Total work items per block is P*S.
type Parallelism struct {
	P int // concurrent lanes
	S int // serial iterations per lane
}

func (p Parallelism) Total() int { return p.P * p.S }

func (p Parallelism) String() string {
	return fmt.Sprintf("%dp%ds", p.P, p.S)
}

// ExecutionPlan is one admissible block configuration: how many elements a
// block carries, the parallelism of its flux stage, and the resources that
// choice costs on the target device.
type ExecutionPlan struct {
	Device DeviceSpec

	ElementsPerBlock int
	FacePairSlots    int // face pairs a block's flux stage handles
	Par              Parallelism

	Threads   int // threads per block
	SharedMem int // bytes per block

	Occupancy float64
}

// occupancy estimates the fraction of a multiprocessor's warp slots this
// plan keeps busy, limited by shared memory and warp capacity.
func occupancy(dev DeviceSpec, threads, sharedMem int) float64 {
	if threads <= 0 || threads > dev.MaxThreadsPerBlock || sharedMem > dev.SharedMemPerBlock {
		return 0
	}
	warpsPerBlock := (threads + dev.WarpSize - 1) / dev.WarpSize

	blocksBySmem := dev.MaxWarpsPerMP / warpsPerBlock
	if sharedMem > 0 {
		if byMem := dev.SharedMemPerMP / sharedMem; byMem < blocksBySmem {
			blocksBySmem = byMem
		}
	}
	if blocksBySmem == 0 {
		return 0
	}
	return float64(blocksBySmem*warpsPerBlock) / float64(dev.MaxWarpsPerMP)
}

// PlanConfig bounds the plan search.
type PlanConfig struct {
	Device DeviceSpec

	Np     int // nodes per element
	Nfp    int // nodes per face
	Nfaces int

	FloatBytes int // bytes per real value on the device

	// OccupancyCeiling stops the search from chasing occupancy past the
	// point of diminishing returns; plans above it are clamped.
	OccupancyCeiling float64

	Logger *slog.Logger
}

// DefaultOccupancyCeiling caps the plan search's occupancy objective.
const DefaultOccupancyCeiling = 0.66

// sharedMemUse estimates the flux stage's shared buffer: one value per
// face point of every element in the block, plus per-pair bookkeeping.
func (cfg *PlanConfig) sharedMemUse(elementsPerBlock, facePairSlots int) int {
	faceFloats := elementsPerBlock * cfg.Nfaces * cfg.Nfp
	const pairHeaderBytes = 32
	return faceFloats*cfg.FloatBytes + facePairSlots*pairHeaderBytes
}

// MakePlan searches the parallelism space for the admissible plan with the
// highest occupancy, preferring more elements per block among equals. The
// search walks P over whole warps up to the device limit and S up to 256
// iterations, the same space the flux gather kernel is generated for.
func MakePlan(cfg *PlanConfig) (*ExecutionPlan, error) {
	dev := cfg.Device
	ceiling := cfg.OccupancyCeiling
	if ceiling == 0 {
		ceiling = DefaultOccupancyCeiling
	}

	var best *ExecutionPlan
	for p := 2; p < 32; p++ {
		for s := 1; s < 256; s++ {
			par := Parallelism{P: p, S: s}
			plan, ok := cfg.planFor(par, ceiling)
			if !ok {
				continue
			}
			if better(plan, best) {
				best = plan
			}
		}
	}
	if best == nil {
		return nil, &PartitionInfeasibleError{Np: cfg.Np, Device: dev}
	}
	if cfg.Logger != nil {
		cfg.Logger.Debug("execution plan chosen",
			"parallelism", best.Par.String(),
			"elements_per_block", best.ElementsPerBlock,
			"occupancy", best.Occupancy,
			"shared_mem", best.SharedMem)
	}
	return best, nil
}

// planFor builds the candidate plan for one parallelism choice, or reports
// it inadmissible.
func (cfg *PlanConfig) planFor(par Parallelism, ceiling float64) (*ExecutionPlan, bool) {
	dev := cfg.Device

	// Face pair slots the flux stage covers per block.
	facePairSlots := par.Total()
	// Each element contributes Nfaces face sides; a block of E elements
	// needs roughly E*Nfaces/2 interior pairs plus its share of
	// boundary and cross-block faces.
	elementsPerBlock := 2 * facePairSlots / cfg.Nfaces
	if elementsPerBlock < 1 {
		return nil, false
	}

	threads := par.P * dev.WarpSize
	smem := cfg.sharedMemUse(elementsPerBlock, facePairSlots)
	occ := occupancy(dev, threads, smem)
	if occ == 0 {
		return nil, false
	}
	if occ > ceiling {
		occ = ceiling
	}
	return &ExecutionPlan{
		Device:           dev,
		ElementsPerBlock: elementsPerBlock,
		FacePairSlots:    facePairSlots,
		Par:              par,
		Threads:          threads,
		SharedMem:        smem,
		Occupancy:        occ,
	}, true
}

// better orders plans by occupancy, breaking ties toward larger blocks.
func better(a, b *ExecutionPlan) bool {
	if b == nil {
		return true
	}
	if math.Abs(a.Occupancy-b.Occupancy) > occupancyTolerance {
		return a.Occupancy > b.Occupancy
	}
	return a.ElementsPerBlock > b.ElementsPerBlock
}

// occupancyTolerance treats occupancies this close as equal, both in the
// plan search and in partition acceptance.
const occupancyTolerance = 1e-10
