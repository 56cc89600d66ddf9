package partitions

import (
	"errors"
	"testing"

	"github.com/notargets/dgop/element"
	"github.com/notargets/dgop/mesh"
)

func lineMesh(t *testing.T, k int) *mesh.Mesh {
	t.Helper()
	el, err := element.NewLine(1)
	if err != nil {
		t.Fatalf("NewLine: %v", err)
	}
	m, err := mesh.NewLineMesh(0, 1, k, el, "left", "right")
	if err != nil {
		t.Fatalf("NewLineMesh: %v", err)
	}
	return m
}

func linePlanConfig() *PlanConfig {
	return &PlanConfig{
		Device:     DefaultDeviceSpec(),
		Np:         2,
		Nfp:        1,
		Nfaces:     2,
		FloatBytes: 8,
	}
}

func TestBuildRefinesUntilSerialBudgetHolds(t *testing.T) {
	cfg := linePlanConfig()
	plan, ok := cfg.planFor(Parallelism{P: 2, S: 4}, DefaultOccupancyCeiling)
	if !ok {
		t.Fatal("plan 2p4s inadmissible on default device")
	}

	// One block of 8 line elements carries 9 face pairs, needing s=5 on
	// two lanes. The builder must split until s=4 suffices.
	pb := &Builder{
		Mesh:      lineMesh(t, 8),
		Cfg:       cfg,
		Plan:      plan,
		Partition: BlockPartition,
	}
	layout, err := pb.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := len(layout.Blocks); got != 2 {
		t.Errorf("blocks = %d, want 2", got)
	}
	if layout.KblockMax != 4 {
		t.Errorf("KblockMax = %d, want 4", layout.KblockMax)
	}
	if got := pb.neededSerial(layout); got > plan.Par.S {
		t.Errorf("accepted layout needs s=%d, plan allows s=%d", got, plan.Par.S)
	}
}

func TestBuildLayoutConservesElements(t *testing.T) {
	cfg := linePlanConfig()
	plan, ok := cfg.planFor(Parallelism{P: 2, S: 2}, DefaultOccupancyCeiling)
	if !ok {
		t.Fatal("plan 2p2s inadmissible on default device")
	}
	m := lineMesh(t, 11)
	pb := &Builder{Mesh: m, Cfg: cfg, Plan: plan, Partition: BlockPartition}

	layout, err := pb.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := layout.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if layout.TotalElements != m.K {
		t.Errorf("TotalElements = %d, want %d", layout.TotalElements, m.K)
	}
	for e := 0; e < m.K; e++ {
		b := layout.BlockOf(e)
		if b < 0 {
			t.Fatalf("element %d not assigned to a block", e)
		}
		local := layout.LocalID[e]
		if got := layout.Blocks[b].Elements[local]; got != e {
			t.Errorf("block %d local %d holds element %d, want %d", b, local, got, e)
		}
	}
}

func TestBuildInfeasibleReportsAttempts(t *testing.T) {
	cfg := linePlanConfig()
	plan, ok := cfg.planFor(Parallelism{P: 2, S: 4}, DefaultOccupancyCeiling)
	if !ok {
		t.Fatal("plan 2p4s inadmissible on default device")
	}
	// A serial budget of zero can never hold.
	plan.Par.S = 0

	pb := &Builder{
		Mesh:        lineMesh(t, 8),
		Cfg:         cfg,
		Plan:        plan,
		Partition:   BlockPartition,
		MaxAttempts: 3,
	}
	_, err := pb.Build()
	var pie *PartitionInfeasibleError
	if !errors.As(err, &pie) {
		t.Fatalf("got %v, want PartitionInfeasibleError", err)
	}
	if pie.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", pie.Attempts)
	}
	if pie.PlanS != 0 {
		t.Errorf("PlanS = %d, want 0", pie.PlanS)
	}
	if pie.NeededS < 1 {
		t.Errorf("NeededS = %d, want at least 1", pie.NeededS)
	}
}

func TestBlockPartitionConsecutiveRanges(t *testing.T) {
	m := lineMesh(t, 7)
	xadj, adjncy := m.AdjacencyGraph()

	eToB, err := BlockPartition(xadj, adjncy, 3)
	if err != nil {
		t.Fatalf("BlockPartition: %v", err)
	}
	if len(eToB) != 7 {
		t.Fatalf("got %d assignments, want 7", len(eToB))
	}
	for i := 1; i < len(eToB); i++ {
		if eToB[i] < eToB[i-1] {
			t.Errorf("assignment not consecutive at %d: %v", i, eToB)
		}
	}
	if eToB[len(eToB)-1] != 2 {
		t.Errorf("last element in part %d, want 2", eToB[len(eToB)-1])
	}

	if _, err := BlockPartition(xadj, adjncy, 0); err == nil {
		t.Error("zero parts accepted")
	}
}

func TestStatisticsImbalance(t *testing.T) {
	layout := buildLayout([]int{0, 0, 0, 1}, 2)
	s := layout.Statistics()
	if s.NumBlocks != 2 || s.MinElements != 1 || s.MaxElements != 3 {
		t.Errorf("stats = %+v", s)
	}
	if s.Imbalance != 1.5 {
		t.Errorf("Imbalance = %v, want 1.5", s.Imbalance)
	}
}
