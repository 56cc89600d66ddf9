// Package optemplate implements the symbolic operator-template layer of the
// discretization engine. A template is a DAG of algebraic and flux operations
// over named mesh fields; model code builds one once, the compiler lowers it
// to an instruction sequence.
//
// Expressions are hash-consed: structurally identical subexpressions share a
// single node in an Arena and are identified by a dense ExprID. Trees are
// acyclic by construction, so IDs always reference earlier nodes.
package optemplate

import (
	"fmt"
	"strings"
)

// ExprID identifies a node in an Arena.
type ExprID int32

// InvalidExpr marks an absent expression reference.
const InvalidExpr ExprID = -1

// Kind discriminates the expression node variants.
type Kind uint8

const (
	KindField           Kind = iota // named input field placeholder
	KindConstant                    // scalar constant
	KindSum                         // n-ary sum
	KindProduct                     // n-ary product
	KindOperator                    // unbound operator (awaiting a binding pass)
	KindOperatorBinding             // operator applied to an operand expression
	KindBoundaryPair                // (volume field, boundary field, tag)
	KindFluxValue                   // per-face trace of the flux operand
	KindNormal                      // outward face normal component
	KindIfPositive                  // branch on sign of a criterion (upwinding)
)

// OpKind discriminates the operator variants usable in a binding.
type OpKind uint8

const (
	OpNone        OpKind = iota
	OpDiff               // reference-direction derivative, one per axis
	OpMass               // element mass operator
	OpInverseMass        // element inverse mass operator
	OpFlux               // flux gather over face pairs
)

// FluxSide selects which trace of the operand a flux value reads.
type FluxSide uint8

const (
	SideLocal    FluxSide = iota // this element's own face values
	SideExternal                 // neighbor (or boundary) face values
	SideAverage                  // arithmetic mean of both traces
)

// Node is one expression in the DAG. Which fields are meaningful depends on
// Kind; the ExprID fields a kind does not use hold InvalidExpr. Nodes are
// immutable once interned.
type Node struct {
	Kind Kind

	Name string   // KindField
	Val  float64  // KindConstant
	Args []ExprID // KindSum, KindProduct terms; KindIfPositive [crit, then, else]

	Op      OpKind // KindOperator, KindOperatorBinding
	Axis    int    // OpDiff direction; KindNormal component
	Flux    ExprID // OpFlux: the flux expression over FluxValue/Normal nodes
	Lift    bool   // OpFlux: apply the lifting operator rather than face mass
	Operand ExprID // KindOperatorBinding operand; KindBoundaryPair volume field

	BField ExprID   // KindBoundaryPair boundary field
	Tag    string   // KindBoundaryPair boundary tag
	Side   FluxSide // KindFluxValue
}

type nodeKey struct {
	kind    Kind
	name    string
	val     float64
	op      OpKind
	axis    int
	flux    ExprID
	lift    bool
	operand ExprID
	bfield  ExprID
	tag     string
	side    FluxSide
	args    string
}

// Arena owns the hash-consed node storage for one template (or a family of
// templates built together). It is not safe for concurrent mutation.
type Arena struct {
	nodes []Node
	index map[nodeKey]ExprID
	zero  ExprID
}

// NewArena returns an empty arena with the zero sentinel pre-interned.
func NewArena() *Arena {
	a := &Arena{index: make(map[nodeKey]ExprID)}
	a.zero = a.Constant(0)
	return a
}

// newNode returns a node of the given kind with every expression reference
// absent. Constructors fill in only the references their kind uses, so a
// traversal can recurse into Operand, BField and Flux unconditionally.
func newNode(kind Kind) Node {
	return Node{Kind: kind, Flux: InvalidExpr, Operand: InvalidExpr, BField: InvalidExpr}
}

func argsKey(args []ExprID) string {
	if len(args) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, id := range args {
		fmt.Fprintf(&sb, "%d,", id)
	}
	return sb.String()
}

func (a *Arena) intern(n Node) ExprID {
	key := nodeKey{
		kind:    n.Kind,
		name:    n.Name,
		val:     n.Val,
		op:      n.Op,
		axis:    n.Axis,
		flux:    n.Flux,
		lift:    n.Lift,
		operand: n.Operand,
		bfield:  n.BField,
		tag:     n.Tag,
		side:    n.Side,
		args:    argsKey(n.Args),
	}
	if id, ok := a.index[key]; ok {
		return id
	}
	id := ExprID(len(a.nodes))
	a.nodes = append(a.nodes, n)
	a.index[key] = id
	return id
}

// Node returns the node for id. The returned pointer must be treated as
// read-only.
func (a *Arena) Node(id ExprID) *Node {
	return &a.nodes[id]
}

// Len returns the number of interned nodes.
func (a *Arena) Len() int { return len(a.nodes) }

// Zero returns the zero sentinel: the interned additive identity. A
// subexpression rewritten to Zero consumes no argument slot and no storage
// downstream.
func (a *Arena) Zero() ExprID { return a.zero }

// IsZero reports whether id is the zero sentinel.
func (a *Arena) IsZero(id ExprID) bool {
	if id == InvalidExpr {
		return false
	}
	n := a.Node(id)
	return n.Kind == KindConstant && n.Val == 0
}

// Field interns a named input field placeholder.
func (a *Arena) Field(name string) ExprID {
	n := newNode(KindField)
	n.Name = name
	return a.intern(n)
}

// Constant interns a scalar constant.
func (a *Arena) Constant(v float64) ExprID {
	n := newNode(KindConstant)
	n.Val = v
	return a.intern(n)
}

// Add interns the sum of terms. No terms yields the zero sentinel, one term
// yields that term.
func (a *Arena) Add(terms ...ExprID) ExprID {
	switch len(terms) {
	case 0:
		return a.Zero()
	case 1:
		return terms[0]
	}
	n := newNode(KindSum)
	n.Args = make([]ExprID, len(terms))
	copy(n.Args, terms)
	return a.intern(n)
}

// Mul interns the product of factors.
func (a *Arena) Mul(factors ...ExprID) ExprID {
	switch len(factors) {
	case 0:
		return a.Constant(1)
	case 1:
		return factors[0]
	}
	n := newNode(KindProduct)
	n.Args = make([]ExprID, len(factors))
	copy(n.Args, factors)
	return a.intern(n)
}

// Sub interns x - y.
func (a *Arena) Sub(x, y ExprID) ExprID {
	return a.Add(x, a.Mul(a.Constant(-1), y))
}

// Normal interns the face-normal component along axis, usable only inside a
// flux expression.
func (a *Arena) Normal(axis int) ExprID {
	n := newNode(KindNormal)
	n.Axis = axis
	return a.intern(n)
}

// FluxLocal interns the local-side trace placeholder of a flux operand.
func (a *Arena) FluxLocal() ExprID {
	n := newNode(KindFluxValue)
	n.Side = SideLocal
	return a.intern(n)
}

// FluxExternal interns the neighbor-side (or boundary) trace placeholder.
func (a *Arena) FluxExternal() ExprID {
	n := newNode(KindFluxValue)
	n.Side = SideExternal
	return a.intern(n)
}

// FluxAverage interns the two-sided average trace placeholder.
func (a *Arena) FluxAverage() ExprID {
	n := newNode(KindFluxValue)
	n.Side = SideAverage
	return a.intern(n)
}

// IfPositive interns a branch that evaluates to then where crit > 0 and to
// els elsewhere. Used for upwind flux selection.
func (a *Arena) IfPositive(crit, then, els ExprID) ExprID {
	n := newNode(KindIfPositive)
	n.Args = []ExprID{crit, then, els}
	return a.intern(n)
}

// PairWithBoundary interns a boundary pairing: on faces carrying tag, the
// flux's external operand reads bfield instead of a neighbor element.
func (a *Arena) PairWithBoundary(field, bfield ExprID, tag string) ExprID {
	n := newNode(KindBoundaryPair)
	n.Operand = field
	n.BField = bfield
	n.Tag = tag
	return a.intern(n)
}

// Diff interns the unbound reference-direction derivative operator for axis.
func (a *Arena) Diff(axis int) ExprID {
	n := newNode(KindOperator)
	n.Op = OpDiff
	n.Axis = axis
	return a.intern(n)
}

// Mass interns the unbound element mass operator.
func (a *Arena) Mass() ExprID {
	n := newNode(KindOperator)
	n.Op = OpMass
	return a.intern(n)
}

// InverseMass interns the unbound element inverse-mass operator.
func (a *Arena) InverseMass() ExprID {
	n := newNode(KindOperator)
	n.Op = OpInverseMass
	return a.intern(n)
}

// FluxOperator interns the unbound flux-gather operator for the given flux
// expression. lift selects the lifting operator for the face-to-volume step;
// otherwise the multi-face mass operator is used.
func (a *Arena) FluxOperator(flux ExprID, lift bool) ExprID {
	n := newNode(KindOperator)
	n.Op = OpFlux
	n.Flux = flux
	n.Lift = lift
	return a.intern(n)
}

// Bind interns the application of operator op to operand.
func (a *Arena) Bind(op, operand ExprID) ExprID {
	o := a.Node(op)
	if o.Kind != KindOperator {
		panic(fmt.Sprintf("optemplate: Bind of non-operator node kind %d", o.Kind))
	}
	n := newNode(KindOperatorBinding)
	n.Op = o.Op
	n.Axis = o.Axis
	n.Flux = o.Flux
	n.Lift = o.Lift
	n.Operand = operand
	return a.intern(n)
}
