package kernels

import (
	"errors"
	"testing"

	"github.com/notargets/dgop/element"
	"github.com/notargets/dgop/mesh"
	"github.com/notargets/dgop/optemplate"
)

func twoElementMesh(t *testing.T) *mesh.Mesh {
	t.Helper()
	el, err := element.NewLine(1)
	if err != nil {
		t.Fatalf("NewLine failed: %v", err)
	}
	m, err := mesh.NewLineMesh(0, 1, 2, el, "left", "right")
	if err != nil {
		t.Fatalf("NewLineMesh failed: %v", err)
	}
	return m
}

func TestSignatureDistinguishesKinds(t *testing.T) {
	a := optemplate.NewArena()
	spec := []FluxSpec{{Flux: a.FluxLocal(), LocalSlot: 0, ExtSlot: -1}}
	args := []ArgSpec{{Expr: a.Field("u"), Local: true}}

	interior := Signature(InteriorKind(), spec, args)
	wall := Signature(BoundaryKind("wall"), spec, args)
	inflow := Signature(BoundaryKind("inflow"), spec, args)

	if interior == wall || wall == inflow {
		t.Errorf("signatures must differ across kinds: %q %q %q", interior, wall, inflow)
	}
	if again := Signature(InteriorKind(), spec, args); again != interior {
		t.Errorf("signature not deterministic: %q vs %q", again, interior)
	}
}

func TestCacheCompilesOnce(t *testing.T) {
	a := optemplate.NewArena()
	specs := []FluxSpec{{Flux: a.FluxAverage(), LocalSlot: 0, ExtSlot: 1}}
	args := []ArgSpec{
		{Expr: a.Field("u"), Local: true},
		{Expr: a.Field("u"), Local: false},
	}

	c := NewCache()
	k1, err := c.Get(a, InteriorKind(), specs, args)
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	k2, err := c.Get(a, InteriorKind(), specs, args)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if k1 != k2 {
		t.Error("cache returned distinct kernels for one signature")
	}
	if c.Builds() != 1 {
		t.Errorf("builds = %d, want 1", c.Builds())
	}

	// A different kind is a different kernel.
	if _, err := c.Get(a, BoundaryKind("wall"), specs, args); err != nil {
		t.Fatalf("boundary Get failed: %v", err)
	}
	if c.Builds() != 2 {
		t.Errorf("builds = %d, want 2", c.Builds())
	}
}

func TestCompileRejectsBadFluxExpression(t *testing.T) {
	a := optemplate.NewArena()
	specs := []FluxSpec{{Flux: a.Field("u"), LocalSlot: -1, ExtSlot: -1}}

	_, err := Compile(a, InteriorKind(), specs, nil)
	var ce *KernelCompileError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want KernelCompileError", err)
	}
}

func TestCompileRejectsSlotOutOfRange(t *testing.T) {
	a := optemplate.NewArena()
	specs := []FluxSpec{{Flux: a.FluxLocal(), LocalSlot: 3, ExtSlot: -1}}

	_, err := Compile(a, InteriorKind(), specs, []ArgSpec{{Expr: a.Field("u"), Local: true}})
	var ce *KernelCompileError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want KernelCompileError", err)
	}
}

func TestGatherWritesBothSides(t *testing.T) {
	m := twoElementMesh(t)
	a := optemplate.NewArena()

	// Each side stores its own trace: local-side write sees its element,
	// the opposite write sees the neighbor's.
	specs := []FluxSpec{{Flux: a.FluxLocal(), LocalSlot: 0, ExtSlot: -1}}
	args := []ArgSpec{{Expr: a.Field("u"), Local: true}}

	k, err := Compile(a, InteriorKind(), specs, args)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	u := []float64{10, 11, 20, 21} // element 0 nodes, element 1 nodes
	out := [][]float64{make([]float64, m.Interior.FaceBufferSize())}
	if err := k.Gather(m.Interior, [][]float64{u}, out); err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	fg := m.Interior
	locAt := fg.FofBase(0, 1)
	oppAt := fg.FofBase(1, 0)
	if out[0][locAt] != 11 {
		t.Errorf("local side stored %g, want 11", out[0][locAt])
	}
	if out[0][oppAt] != 20 {
		t.Errorf("opposite side stored %g, want 20", out[0][oppAt])
	}
	// Faces not in the group stay untouched.
	if out[0][fg.FofBase(0, 0)] != 0 || out[0][fg.FofBase(1, 1)] != 0 {
		t.Error("gather wrote outside its face pairs")
	}
}

func TestGatherFlipsNormalOnOppositeSide(t *testing.T) {
	m := twoElementMesh(t)
	a := optemplate.NewArena()

	specs := []FluxSpec{{Flux: a.Normal(0), LocalSlot: -1, ExtSlot: -1}}
	k, err := Compile(a, InteriorKind(), specs, nil)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	out := [][]float64{make([]float64, m.Interior.FaceBufferSize())}
	if err := k.Gather(m.Interior, nil, out); err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	fg := m.Interior
	if out[0][fg.FofBase(0, 1)] != 1 {
		t.Errorf("local side normal %g, want +1", out[0][fg.FofBase(0, 1)])
	}
	if out[0][fg.FofBase(1, 0)] != -1 {
		t.Errorf("opposite side normal %g, want -1", out[0][fg.FofBase(1, 0)])
	}
}

func TestGatherAverageSymmetric(t *testing.T) {
	m := twoElementMesh(t)
	a := optemplate.NewArena()

	specs := []FluxSpec{{Flux: a.FluxAverage(), LocalSlot: 0, ExtSlot: 1}}
	args := []ArgSpec{
		{Expr: a.Field("u"), Local: true},
		{Expr: a.Field("u"), Local: false},
	}
	k, err := Compile(a, InteriorKind(), specs, args)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	u := []float64{0, 4, 8, 0}
	out := [][]float64{make([]float64, m.Interior.FaceBufferSize())}
	if err := k.Gather(m.Interior, [][]float64{u, u}, out); err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	fg := m.Interior
	loc := out[0][fg.FofBase(0, 1)]
	opp := out[0][fg.FofBase(1, 0)]
	if loc != 6 || opp != 6 {
		t.Errorf("average trace = %g / %g, want 6 on both sides", loc, opp)
	}
}

func TestGatherBoundaryReadsBoundaryBuffer(t *testing.T) {
	m := twoElementMesh(t)
	a := optemplate.NewArena()

	// External trace of a boundary flux comes from the tag's buffer.
	specs := []FluxSpec{{Flux: a.FluxExternal(), LocalSlot: -1, ExtSlot: 0}}
	args := []ArgSpec{{Expr: a.Field("bc"), Local: false}}
	k, err := Compile(a, BoundaryKind("left"), specs, args)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	fg := m.Boundary("left")
	bc := []float64{42}
	out := [][]float64{make([]float64, fg.FaceBufferSize())}
	if err := k.Gather(fg, [][]float64{bc}, out); err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if out[0][fg.FofBase(0, 0)] != 42 {
		t.Errorf("boundary trace %g, want 42", out[0][fg.FofBase(0, 0)])
	}
}

func TestGatherArgumentCountChecked(t *testing.T) {
	m := twoElementMesh(t)
	a := optemplate.NewArena()

	specs := []FluxSpec{{Flux: a.FluxLocal(), LocalSlot: 0, ExtSlot: -1}}
	args := []ArgSpec{{Expr: a.Field("u"), Local: true}}
	k, err := Compile(a, InteriorKind(), specs, args)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	out := [][]float64{make([]float64, m.Interior.FaceBufferSize())}
	if err := k.Gather(m.Interior, nil, out); err == nil {
		t.Error("missing argument field not rejected")
	}
	if err := k.Gather(m.Interior, [][]float64{make([]float64, 4)}, nil); err == nil {
		t.Error("missing output buffer not rejected")
	}
}
