package optemplate

import (
	"fmt"
)

// ExpressionBindingError reports a template whose operators or flux operands
// cannot be bound to concrete expressions. It is fatal to compilation.
type ExpressionBindingError struct {
	Detail string
}

func (e *ExpressionBindingError) Error() string {
	return "expression binding: " + e.Detail
}

func bindingErrf(format string, args ...interface{}) error {
	return &ExpressionBindingError{Detail: fmt.Sprintf(format, args...)}
}

// Prepare runs the rewrite pipeline on t in fixed order: operator binding,
// boundary-condition rewriting, constant folding, zero elimination. The
// result shares t's arena; t itself is not modified.
func Prepare(t *Template) (*Template, error) {
	out := t
	for _, pass := range []func(*Template) (*Template, error){
		bindOperators,
		rewriteBoundaryPairs,
		foldConstants,
		eliminateZeros,
	} {
		var err error
		out, err = pass(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// mapOutputs rebuilds every output expression bottom-up, applying f to each
// node after its children have been rebuilt. A shared memo keeps structural
// sharing intact across outputs.
func mapOutputs(t *Template, f func(a *Arena, n Node) (ExprID, error)) (*Template, error) {
	a := t.Arena
	memo := make(map[ExprID]ExprID)

	var rec func(id ExprID) (ExprID, error)
	rec = func(id ExprID) (ExprID, error) {
		if id == InvalidExpr {
			return InvalidExpr, nil
		}
		if mapped, ok := memo[id]; ok {
			return mapped, nil
		}
		n := *a.Node(id)
		if n.Args != nil {
			args := make([]ExprID, len(n.Args))
			for i, c := range n.Args {
				mc, err := rec(c)
				if err != nil {
					return InvalidExpr, err
				}
				args[i] = mc
			}
			n.Args = args
		}
		var err error
		if n.Operand, err = rec(n.Operand); err != nil {
			return InvalidExpr, err
		}
		if n.BField, err = rec(n.BField); err != nil {
			return InvalidExpr, err
		}
		if n.Flux, err = rec(n.Flux); err != nil {
			return InvalidExpr, err
		}
		out, err := f(a, n)
		if err != nil {
			return InvalidExpr, err
		}
		memo[id] = out
		return out, nil
	}

	result := NewTemplate(a)
	for _, o := range t.Outputs {
		mapped, err := rec(o.Expr)
		if err != nil {
			return nil, err
		}
		result.DeclareOutput(o.Name, mapped)
	}
	return result, nil
}

// walk visits every node reachable from the outputs exactly once.
func walk(t *Template, visit func(id ExprID, n *Node) error) error {
	a := t.Arena
	seen := make(map[ExprID]bool)

	var rec func(id ExprID) error
	rec = func(id ExprID) error {
		if id == InvalidExpr || seen[id] {
			return nil
		}
		seen[id] = true
		n := a.Node(id)
		if err := visit(id, n); err != nil {
			return err
		}
		for _, c := range n.Args {
			if err := rec(c); err != nil {
				return err
			}
		}
		for _, c := range []ExprID{n.Operand, n.BField, n.Flux} {
			if err := rec(c); err != nil {
				return err
			}
		}
		return nil
	}
	for _, o := range t.Outputs {
		if err := rec(o.Expr); err != nil {
			return err
		}
	}
	return nil
}

// bindOperators attaches every unbound operator node to the product factors
// to its right: Mul(c, D, u) becomes Mul(c, Bind(D, u)). An operator with
// nothing to its right, or appearing outside a product, cannot be bound.
func bindOperators(t *Template) (*Template, error) {
	out, err := mapOutputs(t, func(a *Arena, n Node) (ExprID, error) {
		if n.Kind != KindProduct {
			return a.intern(n), nil
		}
		return bindProductArgs(a, n.Args)
	})
	if err != nil {
		return nil, err
	}

	err = walk(out, func(id ExprID, n *Node) error {
		if n.Kind == KindOperator {
			return bindingErrf("operator (kind %d, axis %d) left unbound", n.Op, n.Axis)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func bindProductArgs(a *Arena, args []ExprID) (ExprID, error) {
	for i, f := range args {
		if a.Node(f).Kind != KindOperator {
			continue
		}
		if i == len(args)-1 {
			return InvalidExpr, bindingErrf("operator has no operand to its right")
		}
		operand, err := bindProductArgs(a, args[i+1:])
		if err != nil {
			return InvalidExpr, err
		}
		bound := a.Bind(f, operand)
		rebuilt := make([]ExprID, 0, i+1)
		rebuilt = append(rebuilt, args[:i]...)
		rebuilt = append(rebuilt, bound)
		return a.Mul(rebuilt...), nil
	}
	return a.Mul(args...), nil
}

// rewriteBoundaryPairs establishes that every flux binding's external
// operand is concretely available: interior fluxes read the operand's own
// neighbor trace, boundary fluxes read the pairing's boundary field. It also
// rejects flux expressions that reach outside the flux language and
// boundary pairings outside a flux binding.
func rewriteBoundaryPairs(t *Template) (*Template, error) {
	a := t.Arena

	fluxOperands := make(map[ExprID]bool)
	err := walk(t, func(id ExprID, n *Node) error {
		if n.Kind == KindOperatorBinding && n.Op == OpFlux {
			fluxOperands[n.Operand] = true
			if err := validateFluxExpr(a, n.Flux); err != nil {
				return err
			}
			opn := a.Node(n.Operand)
			if opn.Kind == KindBoundaryPair && opn.BField == InvalidExpr {
				return bindingErrf("boundary pairing for tag %q has no boundary field", opn.Tag)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = walk(t, func(id ExprID, n *Node) error {
		if n.Kind == KindBoundaryPair && !fluxOperands[id] {
			return bindingErrf("boundary pairing for tag %q outside a flux operator", n.Tag)
		}
		if n.Kind == KindOperatorBinding && n.Op != OpFlux {
			if a.Node(n.Operand).Kind == KindBoundaryPair {
				return bindingErrf("non-flux operator bound to a boundary pairing")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func validateFluxExpr(a *Arena, id ExprID) error {
	if id == InvalidExpr {
		return bindingErrf("flux operator without a flux expression")
	}
	var rec func(id ExprID) error
	rec = func(id ExprID) error {
		n := a.Node(id)
		switch n.Kind {
		case KindConstant, KindFluxValue, KindNormal:
			return nil
		case KindSum, KindProduct, KindIfPositive:
			for _, c := range n.Args {
				if err := rec(c); err != nil {
					return err
				}
			}
			return nil
		case KindField:
			return bindingErrf("flux expression references unbound field %q", n.Name)
		default:
			return bindingErrf("node kind %d not allowed inside a flux expression", n.Kind)
		}
	}
	return rec(id)
}

// foldConstants folds arithmetic on constant subexpressions. Sums and
// products are commutative here (operator applications were bound in the
// first pass), so nested chains flatten and constants combine into a single
// leading coefficient.
func foldConstants(t *Template) (*Template, error) {
	return mapOutputs(t, func(a *Arena, n Node) (ExprID, error) {
		switch n.Kind {
		case KindSum:
			total := 0.0
			var rest []ExprID
			for _, c := range n.Args {
				cn := a.Node(c)
				switch cn.Kind {
				case KindConstant:
					total += cn.Val
				case KindSum:
					rest = append(rest, cn.Args...)
				default:
					rest = append(rest, c)
				}
			}
			if len(rest) == 0 {
				return a.Constant(total), nil
			}
			if total != 0 {
				rest = append(rest, a.Constant(total))
			}
			return a.Add(rest...), nil

		case KindProduct:
			coeff := 1.0
			var rest []ExprID
			for _, c := range n.Args {
				cn := a.Node(c)
				switch cn.Kind {
				case KindConstant:
					coeff *= cn.Val
				case KindProduct:
					rest = append(rest, cn.Args...)
				default:
					rest = append(rest, c)
				}
			}
			if coeff == 0 || len(rest) == 0 {
				return a.Constant(coeff), nil
			}
			if coeff != 1 {
				rest = append([]ExprID{a.Constant(coeff)}, rest...)
			}
			return a.Mul(rest...), nil

		case KindIfPositive:
			crit := a.Node(n.Args[0])
			if crit.Kind == KindConstant {
				if crit.Val > 0 {
					return n.Args[1], nil
				}
				return n.Args[2], nil
			}
			return a.intern(n), nil

		default:
			return a.intern(n), nil
		}
	})
}

// eliminateZeros replaces subexpressions proven to evaluate to the additive
// identity with the zero sentinel, propagating through sums, products and
// operator applications.
func eliminateZeros(t *Template) (*Template, error) {
	return mapOutputs(t, func(a *Arena, n Node) (ExprID, error) {
		switch n.Kind {
		case KindSum:
			var rest []ExprID
			for _, c := range n.Args {
				if !a.IsZero(c) {
					rest = append(rest, c)
				}
			}
			return a.Add(rest...), nil

		case KindProduct:
			for _, c := range n.Args {
				if a.IsZero(c) {
					return a.Zero(), nil
				}
			}
			return a.intern(n), nil

		case KindOperatorBinding:
			if n.Op == OpFlux {
				if fluxBindingIsZero(a, &n) {
					return a.Zero(), nil
				}
				return a.intern(n), nil
			}
			if a.IsZero(n.Operand) {
				return a.Zero(), nil
			}
			return a.intern(n), nil

		default:
			return a.intern(n), nil
		}
	})
}

// fluxBindingIsZero reports whether a flux binding provably contributes
// nothing: either the flux expression itself is zero, or every trace the
// flux reads comes from a zero operand and the zero-substituted flux folds
// to zero.
func fluxBindingIsZero(a *Arena, n *Node) bool {
	if a.IsZero(n.Flux) {
		return true
	}

	localZero, extZero := false, false
	opn := a.Node(n.Operand)
	if opn.Kind == KindBoundaryPair {
		localZero = a.IsZero(opn.Operand)
		extZero = a.IsZero(opn.BField)
	} else {
		localZero = a.IsZero(n.Operand)
		extZero = localZero
	}
	if !localZero && !extZero {
		return false
	}
	return a.IsZero(foldFluxWithZeroTraces(a, n.Flux, localZero, extZero))
}

func foldFluxWithZeroTraces(a *Arena, id ExprID, localZero, extZero bool) ExprID {
	n := a.Node(id)
	switch n.Kind {
	case KindFluxValue:
		switch n.Side {
		case SideLocal:
			if localZero {
				return a.Zero()
			}
		case SideExternal:
			if extZero {
				return a.Zero()
			}
		case SideAverage:
			if localZero && extZero {
				return a.Zero()
			}
		}
		return id

	case KindSum:
		var rest []ExprID
		for _, c := range n.Args {
			m := foldFluxWithZeroTraces(a, c, localZero, extZero)
			if !a.IsZero(m) {
				rest = append(rest, m)
			}
		}
		return a.Add(rest...)

	case KindProduct:
		args := make([]ExprID, len(n.Args))
		for i, c := range n.Args {
			args[i] = foldFluxWithZeroTraces(a, c, localZero, extZero)
			if a.IsZero(args[i]) {
				return a.Zero()
			}
		}
		return a.Mul(args...)

	default:
		return id
	}
}
