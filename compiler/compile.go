package compiler

import (
	"fmt"
	"sort"

	"github.com/notargets/dgop/kernels"
	"github.com/notargets/dgop/optemplate"
)

// Compiled is a template lowered to an instruction schedule. It is bound
// to the discretization that compiled it and can be executed any number of
// times against different input fields.
type Compiled struct {
	Template     *optemplate.Template // after the rewrite pipeline
	Instructions []Instruction
	Inputs       []string
	Outputs      []string
}

// fluxRecord is one flux binding with its trace operands resolved: the
// batch builder turns records of equal kind into slots of one kernel.
type fluxRecord struct {
	binding optemplate.ExprID
	kind    kernels.FluxKind
	flux    optemplate.ExprID
	lift    bool
	local   optemplate.ExprID
	ext     optemplate.ExprID
}

func recordFlux(a *optemplate.Arena, id optemplate.ExprID) fluxRecord {
	n := a.Node(id)
	rec := fluxRecord{binding: id, flux: n.Flux, lift: n.Lift}
	if opn := a.Node(n.Operand); opn.Kind == optemplate.KindBoundaryPair {
		rec.kind = kernels.BoundaryKind(opn.Tag)
		rec.local = opn.Operand
		rec.ext = opn.BField
	} else {
		rec.kind = kernels.InteriorKind()
		rec.local = n.Operand
		rec.ext = n.Operand
	}
	return rec
}

// fluxBatch accumulates records of one kind, deduplicating argument slots
// by (field expression, side). Zero operands consume no slot.
type fluxBatch struct {
	kind  kernels.FluxKind
	ids   []optemplate.ExprID
	specs []kernels.FluxSpec
	args  []kernels.ArgSpec
	slots map[kernels.ArgSpec]int
}

func newFluxBatch(kind kernels.FluxKind) *fluxBatch {
	return &fluxBatch{kind: kind, slots: make(map[kernels.ArgSpec]int)}
}

func (b *fluxBatch) slot(a *optemplate.Arena, expr optemplate.ExprID, local bool) int {
	if a.IsZero(expr) {
		return -1
	}
	spec := kernels.ArgSpec{Expr: expr, Local: local}
	if s, ok := b.slots[spec]; ok {
		return s
	}
	s := len(b.args)
	b.args = append(b.args, spec)
	b.slots[spec] = s
	return s
}

func (b *fluxBatch) add(a *optemplate.Arena, rec fluxRecord) error {
	if rec.kind != b.kind {
		return &FluxKindMismatchError{Batch: b.kind, Got: rec.kind}
	}
	b.ids = append(b.ids, rec.binding)
	b.specs = append(b.specs, kernels.FluxSpec{
		Flux:      rec.flux,
		LocalSlot: b.slot(a, rec.local, true),
		ExtSlot:   b.slot(a, rec.ext, false),
		Lift:      rec.lift,
	})
	return nil
}

// heavyNode is an operator binding that becomes (part of) its own
// instruction: flux gathers and derivatives. Mass and inverse-mass
// applications are evaluated inline by Assign.
type heavyNode struct {
	id   optemplate.ExprID
	op   optemplate.OpKind
	deps []optemplate.ExprID // other heavy nodes its operand reads
}

func isHeavy(n *optemplate.Node) bool {
	return n.Kind == optemplate.KindOperatorBinding &&
		(n.Op == optemplate.OpFlux || n.Op == optemplate.OpDiff)
}

// collectHeavy lists flux and derivative bindings reachable from the
// outputs in first-visit depth-first order, with their mutual
// dependencies.
func collectHeavy(t *optemplate.Template) []*heavyNode {
	a := t.Arena
	var order []*heavyNode
	seen := make(map[optemplate.ExprID]bool)

	var visit func(id optemplate.ExprID)
	visit = func(id optemplate.ExprID) {
		if id == optemplate.InvalidExpr || seen[id] {
			return
		}
		seen[id] = true
		n := a.Node(id)
		for _, c := range n.Args {
			visit(c)
		}
		visit(n.Operand)
		visit(n.BField)
		if isHeavy(n) {
			order = append(order, &heavyNode{
				id:   id,
				op:   n.Op,
				deps: reachableHeavy(a, n.Operand),
			})
		}
	}
	for _, o := range t.Outputs {
		visit(o.Expr)
	}
	return order
}

// reachableHeavy lists the heavy bindings an expression reads, stopping at
// each heavy node: its own operand is that instruction's concern.
func reachableHeavy(a *optemplate.Arena, root optemplate.ExprID) []optemplate.ExprID {
	var found []optemplate.ExprID
	seen := make(map[optemplate.ExprID]bool)

	var visit func(id optemplate.ExprID)
	visit = func(id optemplate.ExprID) {
		if id == optemplate.InvalidExpr || seen[id] {
			return
		}
		seen[id] = true
		n := a.Node(id)
		if isHeavy(n) {
			found = append(found, id)
			return
		}
		for _, c := range n.Args {
			visit(c)
		}
		visit(n.Operand)
		visit(n.BField)
	}
	visit(root)
	return found
}

// schedule lowers a prepared template to instructions. Heavy nodes run in
// dependency rounds: within a round every ready flux of one kind joins one
// FluxBatchAssign and every ready derivative of one operand joins one
// DiffBatchAssign. Outputs are assigned last, and frame entries are
// discarded after their final reader.
func schedule(t *optemplate.Template) ([]Instruction, error) {
	a := t.Arena
	heavy := collectHeavy(t)

	var instrs []Instruction
	done := make(map[optemplate.ExprID]bool)
	scheduled := 0

	for scheduled < len(heavy) {
		var ready []*heavyNode
		for _, h := range heavy {
			if done[h.id] {
				continue
			}
			ok := true
			for _, d := range h.deps {
				if !done[d] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, h)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("operator bindings form a dependency cycle")
		}

		// One flux batch per kind, in order of first appearance.
		var kindOrder []kernels.FluxKind
		batches := make(map[kernels.FluxKind]*fluxBatch)
		// One derivative batch per operand, likewise.
		var diffOrder []optemplate.ExprID
		diffs := make(map[optemplate.ExprID]*DiffBatchAssign)

		for _, h := range ready {
			done[h.id] = true
			scheduled++
			n := a.Node(h.id)
			switch h.op {
			case optemplate.OpFlux:
				rec := recordFlux(a, h.id)
				b := batches[rec.kind]
				if b == nil {
					b = newFluxBatch(rec.kind)
					batches[rec.kind] = b
					kindOrder = append(kindOrder, rec.kind)
				}
				if err := b.add(a, rec); err != nil {
					return nil, err
				}
			case optemplate.OpDiff:
				d := diffs[n.Operand]
				if d == nil {
					d = &DiffBatchAssign{Operand: n.Operand}
					diffs[n.Operand] = d
					diffOrder = append(diffOrder, n.Operand)
				}
				d.Axes = append(d.Axes, n.Axis)
				d.IDs = append(d.IDs, h.id)
			}
		}

		for _, kind := range kindOrder {
			b := batches[kind]
			instrs = append(instrs, &FluxBatchAssign{
				Kind:  b.kind,
				IDs:   b.ids,
				Specs: b.specs,
				Args:  b.args,
			})
		}
		for _, op := range diffOrder {
			instrs = append(instrs, diffs[op])
		}
	}

	for _, o := range t.Outputs {
		instrs = append(instrs, &Assign{Name: o.Name, Expr: o.Expr})
	}

	return insertDiscards(a, instrs), nil
}

// insertDiscards places a Discard after each frame entry's last reader.
func insertDiscards(a *optemplate.Arena, instrs []Instruction) []Instruction {
	last := make(map[optemplate.ExprID]int)
	for i, in := range instrs {
		for _, id := range instrReads(a, in) {
			last[id] = i
		}
	}

	out := make([]Instruction, 0, len(instrs))
	for i, in := range instrs {
		out = append(out, in)
		var dead []optemplate.ExprID
		for _, id := range instrWrites(in) {
			if last[id] <= i {
				// Never read: drop immediately after production.
				dead = append(dead, id)
			}
		}
		for id, l := range last {
			if l == i {
				dead = append(dead, id)
			}
		}
		if len(dead) > 0 {
			out = append(out, &Discard{IDs: sortIDs(dead)})
		}
	}
	return out
}

func instrReads(a *optemplate.Arena, in Instruction) []optemplate.ExprID {
	switch in := in.(type) {
	case *Assign:
		return reachableHeavy(a, in.Expr)
	case *FluxBatchAssign:
		var ids []optemplate.ExprID
		for _, arg := range in.Args {
			ids = append(ids, reachableHeavy(a, arg.Expr)...)
		}
		return ids
	case *DiffBatchAssign:
		return reachableHeavy(a, in.Operand)
	default:
		return nil
	}
}

func instrWrites(in Instruction) []optemplate.ExprID {
	switch in := in.(type) {
	case *FluxBatchAssign:
		return in.IDs
	case *DiffBatchAssign:
		return in.IDs
	default:
		return nil
	}
}

func sortIDs(ids []optemplate.ExprID) []optemplate.ExprID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
