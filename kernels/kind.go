// Package kernels generates and caches the numerical routines that evaluate
// batched flux expressions over face pairs. Each unique batch signature is
// specialized once: the flux expressions are compiled to flat arithmetic
// programs and driven by a gather loop that resolves face-local dofs
// through the mesh's index lists.
package kernels

import (
	"fmt"
	"strings"

	"github.com/notargets/dgop/optemplate"
)

// FluxKind classifies a flux expression for batching: interior fluxes
// evaluate both sides of each face pair, boundary fluxes only the local
// side against a tagged boundary field. Two fluxes may share a kernel only
// if their kinds are equal.
type FluxKind struct {
	Boundary bool
	Tag      string
}

// InteriorKind returns the kind of interior fluxes.
func InteriorKind() FluxKind { return FluxKind{} }

// BoundaryKind returns the kind of fluxes over the given boundary tag.
func BoundaryKind(tag string) FluxKind { return FluxKind{Boundary: true, Tag: tag} }

func (k FluxKind) String() string {
	if k.Boundary {
		return "boundary(" + k.Tag + ")"
	}
	return "interior"
}

// ArgSpec names one gathered argument of a flux batch: a field expression
// and whether it is read on the local or the external side of each face.
// Identical specs are deduplicated to one slot per batch; zero expressions
// consume no slot.
type ArgSpec struct {
	Expr  optemplate.ExprID
	Local bool
}

// FluxSpec describes one flux expression within a batch, with its trace
// placeholders resolved to argument slots. A slot of -1 denotes the zero
// sentinel.
type FluxSpec struct {
	Flux      optemplate.ExprID
	LocalSlot int
	ExtSlot   int
	Lift      bool
}

// Signature builds the structural identity of a batch: kind, ordered flux
// expressions and argument slots. Kernel compilation happens at most once
// per signature.
func Signature(kind FluxKind, fluxes []FluxSpec, args []ArgSpec) string {
	var sb strings.Builder
	sb.WriteString(kind.String())
	sb.WriteByte('|')
	for _, f := range fluxes {
		fmt.Fprintf(&sb, "f%d:%d:%d", f.Flux, f.LocalSlot, f.ExtSlot)
		if f.Lift {
			sb.WriteByte('L')
		}
		sb.WriteByte(',')
	}
	sb.WriteByte('|')
	for _, a := range args {
		side := "ext"
		if a.Local {
			side = "loc"
		}
		fmt.Fprintf(&sb, "a%d:%s,", a.Expr, side)
	}
	return sb.String()
}

// KernelCompileError reports a flux kernel that failed to build. It is
// fatal to discretization construction.
type KernelCompileError struct {
	Signature string
	Err       error
}

func (e *KernelCompileError) Error() string {
	return fmt.Sprintf("kernel compile for batch %s: %v", e.Signature, e.Err)
}

func (e *KernelCompileError) Unwrap() error { return e.Err }
