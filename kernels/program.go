package kernels

import (
	"fmt"

	"github.com/notargets/dgop/optemplate"
)

type opcode uint8

const (
	opConst opcode = iota
	opLoad
	opNormal
	opAdd
	opMul
	opIfPos
)

type instr struct {
	op   opcode
	val  float64
	slot int
	axis int
	n    int
}

// program is a flux expression flattened to postfix form. Trace
// placeholders are resolved to argument slots at compile time; side flips
// happen in the gather loop, which fills the slot values appropriately and
// passes the normal sign.
type program []instr

// pointContext carries the per-face-point inputs of a program evaluation.
// args holds one value per argument slot, already resolved for the side
// being written.
type pointContext struct {
	args   []float64
	normal []float64
	sign   float64
}

const maxStack = 64

func (p program) eval(ctx *pointContext) float64 {
	var stack [maxStack]float64
	sp := 0
	for _, in := range p {
		switch in.op {
		case opConst:
			stack[sp] = in.val
			sp++
		case opLoad:
			if in.slot < 0 {
				stack[sp] = 0
			} else {
				stack[sp] = ctx.args[in.slot]
			}
			sp++
		case opNormal:
			stack[sp] = ctx.sign * ctx.normal[in.axis]
			sp++
		case opAdd:
			acc := stack[sp-in.n]
			for i := sp - in.n + 1; i < sp; i++ {
				acc += stack[i]
			}
			sp -= in.n - 1
			stack[sp-1] = acc
		case opMul:
			acc := stack[sp-in.n]
			for i := sp - in.n + 1; i < sp; i++ {
				acc *= stack[i]
			}
			sp -= in.n - 1
			stack[sp-1] = acc
		case opIfPos:
			crit, then, els := stack[sp-3], stack[sp-2], stack[sp-1]
			sp -= 2
			if crit > 0 {
				stack[sp-1] = then
			} else {
				stack[sp-1] = els
			}
		}
	}
	return stack[sp-1]
}

type programBuilder struct {
	arena *optemplate.Arena
	spec  FluxSpec
	out   program
	depth int
	max   int
}

func compileFlux(a *optemplate.Arena, spec FluxSpec) (program, error) {
	b := &programBuilder{arena: a, spec: spec}
	if err := b.emit(spec.Flux); err != nil {
		return nil, err
	}
	if b.max > maxStack {
		return nil, fmt.Errorf("flux expression needs stack depth %d, limit %d", b.max, maxStack)
	}
	return b.out, nil
}

func (b *programBuilder) push(in instr, pops int) {
	b.out = append(b.out, in)
	b.depth -= pops - 1
	if b.depth > b.max {
		b.max = b.depth
	}
}

func (b *programBuilder) emit(id optemplate.ExprID) error {
	n := b.arena.Node(id)
	switch n.Kind {
	case optemplate.KindConstant:
		b.push(instr{op: opConst, val: n.Val}, 0)
	case optemplate.KindNormal:
		b.push(instr{op: opNormal, axis: n.Axis}, 0)
	case optemplate.KindFluxValue:
		switch n.Side {
		case optemplate.SideLocal:
			b.push(instr{op: opLoad, slot: b.spec.LocalSlot}, 0)
		case optemplate.SideExternal:
			b.push(instr{op: opLoad, slot: b.spec.ExtSlot}, 0)
		case optemplate.SideAverage:
			b.push(instr{op: opConst, val: 0.5}, 0)
			b.push(instr{op: opLoad, slot: b.spec.LocalSlot}, 0)
			b.push(instr{op: opLoad, slot: b.spec.ExtSlot}, 0)
			b.push(instr{op: opAdd, n: 2}, 2)
			b.push(instr{op: opMul, n: 2}, 2)
		default:
			return fmt.Errorf("flux trace with unknown side %d", n.Side)
		}
	case optemplate.KindSum:
		for _, arg := range n.Args {
			if err := b.emit(arg); err != nil {
				return err
			}
		}
		b.push(instr{op: opAdd, n: len(n.Args)}, len(n.Args))
	case optemplate.KindProduct:
		for _, arg := range n.Args {
			if err := b.emit(arg); err != nil {
				return err
			}
		}
		b.push(instr{op: opMul, n: len(n.Args)}, len(n.Args))
	case optemplate.KindIfPositive:
		for _, arg := range n.Args {
			if err := b.emit(arg); err != nil {
				return err
			}
		}
		b.push(instr{op: opIfPos}, 3)
	default:
		return fmt.Errorf("expression kind %v not valid inside a flux", n.Kind)
	}
	return nil
}
