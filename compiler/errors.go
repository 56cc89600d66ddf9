package compiler

import (
	"fmt"
	"strings"

	"github.com/notargets/dgop/kernels"
)

// FluxKindMismatchError reports an attempt to place fluxes of different
// kinds into one batch. Batches are homogeneous: interior and boundary
// fluxes, and boundary fluxes of different tags, never share a kernel.
type FluxKindMismatchError struct {
	Batch kernels.FluxKind
	Got   kernels.FluxKind
}

func (e *FluxKindMismatchError) Error() string {
	return fmt.Sprintf("flux kind %s cannot join a %s batch", e.Got, e.Batch)
}

// NameResolutionError reports a field name the execution context does not
// provide.
type NameResolutionError struct {
	Name  string
	Known []string
}

func (e *NameResolutionError) Error() string {
	return fmt.Sprintf("field %q not bound in execution context (have %s)",
		e.Name, strings.Join(e.Known, ", "))
}
