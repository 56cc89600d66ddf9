package optemplate

import (
	"fmt"
	"strings"
)

// Output names one result expression of a template. Outputs are returned by
// the compiled callable in declaration order.
type Output struct {
	Name string
	Expr ExprID
}

// Template is an operator template: an expression DAG over named input
// fields together with its declared outputs. Immutable once handed to the
// compiler.
type Template struct {
	Arena   *Arena
	Outputs []Output
}

// NewTemplate returns an empty template over arena.
func NewTemplate(arena *Arena) *Template {
	return &Template{Arena: arena}
}

// DeclareOutput appends a named output expression.
func (t *Template) DeclareOutput(name string, expr ExprID) {
	t.Outputs = append(t.Outputs, Output{Name: name, Expr: expr})
}

// OutputNames returns the declared output names in order.
func (t *Template) OutputNames() []string {
	names := make([]string, len(t.Outputs))
	for i, o := range t.Outputs {
		names[i] = o.Name
	}
	return names
}

// InputNames returns the names of all field placeholders reachable from the
// outputs, in first-visit depth-first order. The order is deterministic for
// a fixed template.
func (t *Template) InputNames() []string {
	var names []string
	seen := make(map[ExprID]bool)
	seenName := make(map[string]bool)

	var visit func(id ExprID)
	visit = func(id ExprID) {
		if id == InvalidExpr || seen[id] {
			return
		}
		seen[id] = true
		n := t.Arena.Node(id)
		if n.Kind == KindField && !seenName[n.Name] {
			seenName[n.Name] = true
			names = append(names, n.Name)
		}
		for _, c := range n.Args {
			visit(c)
		}
		visit(n.Operand)
		visit(n.BField)
		visit(n.Flux)
	}
	for _, o := range t.Outputs {
		visit(o.Expr)
	}
	return names
}

// Key returns the structural identity of the template within its arena:
// hash-consing makes equal subtrees share IDs, so the output name/ID pairs
// identify the template. Used as the compile-cache key.
func (t *Template) Key() string {
	var sb strings.Builder
	for _, o := range t.Outputs {
		fmt.Fprintf(&sb, "%s=%d;", o.Name, o.Expr)
	}
	return sb.String()
}
