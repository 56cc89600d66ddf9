package compiler

import (
	"fmt"
	"strings"

	"github.com/notargets/dgop/kernels"
	"github.com/notargets/dgop/optemplate"
)

// Instruction is one step of a compiled template's schedule. Instructions
// run in list order; batch instructions write operator-binding results into
// the execution frame, Assign produces a named output, Discard frees frame
// entries whose last reader has run.
type Instruction interface {
	String() string
}

// Assign evaluates an expression over the current frame and context and
// stores it under an output name. Scalar arithmetic, mass and inverse-mass
// applications happen here; flux and derivative results are read back from
// the frame.
type Assign struct {
	Name string
	Expr optemplate.ExprID
}

func (in *Assign) String() string {
	return fmt.Sprintf("%s <- eval(#%d)", in.Name, in.Expr)
}

// Discard drops frame entries that no later instruction reads.
type Discard struct {
	IDs []optemplate.ExprID
}

func (in *Discard) String() string {
	parts := make([]string, len(in.IDs))
	for i, id := range in.IDs {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return "discard " + strings.Join(parts, ", ")
}

// FluxBatchAssign gathers every flux of one kind that is ready in the same
// scheduling round through a single face traversal, then lifts each result
// into the volume basis.
type FluxBatchAssign struct {
	Kind  kernels.FluxKind
	IDs   []optemplate.ExprID // flux binding per batch slot
	Specs []kernels.FluxSpec
	Args  []kernels.ArgSpec
}

func (in *FluxBatchAssign) String() string {
	parts := make([]string, len(in.IDs))
	for i, id := range in.IDs {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return fmt.Sprintf("%s <- flux[%s](%d args)", strings.Join(parts, ", "), in.Kind, len(in.Args))
}

// DiffBatchAssign computes physical derivatives of one operand along
// several axes, evaluating the operand and its reference derivatives once.
type DiffBatchAssign struct {
	Operand optemplate.ExprID
	Axes    []int
	IDs     []optemplate.ExprID // binding per axis
}

func (in *DiffBatchAssign) String() string {
	parts := make([]string, len(in.IDs))
	for i, id := range in.IDs {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return fmt.Sprintf("%s <- d/dx%v eval(#%d)", strings.Join(parts, ", "), in.Axes, in.Operand)
}
