package device

import (
	"fmt"
	"strings"

	"github.com/notargets/dgop/kernels"
	"github.com/notargets/dgop/optemplate"
	"github.com/notargets/dgop/partitions"
)

// Preamble returns the common kernel header: type definitions and the
// block geometry constants every generated kernel indexes with.
func (d *Device) Preamble() string {
	if d.preamble == "" {
		d.preamble = PreambleSource(d.Layout, d.Np, d.Nfp, d.Nfaces, d.float32)
	}
	return d.preamble
}

// PreambleSource generates the kernel header for a block layout and
// element shape.
func PreambleSource(layout *partitions.BlockLayout, np, nfp, nfaces int, float32Reals bool) string {
	var sb strings.Builder

	floatType, suffix := "double", ""
	if float32Reals {
		floatType, suffix = "float", "f"
	}
	sb.WriteString(fmt.Sprintf("typedef %s real_t;\n", floatType))
	sb.WriteString("typedef int int_t;\n")
	sb.WriteString(fmt.Sprintf("#define REAL_ZERO 0.0%s\n", suffix))
	sb.WriteString(fmt.Sprintf("#define REAL_ONE 1.0%s\n", suffix))
	sb.WriteString(fmt.Sprintf("#define REAL_HALF 0.5%s\n", suffix))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("#define NBLK %d\n", len(layout.Blocks)))
	sb.WriteString(fmt.Sprintf("#define KblockMax %d\n", layout.KblockMax))
	sb.WriteString(fmt.Sprintf("#define NP %d\n", np))
	sb.WriteString(fmt.Sprintf("#define NFP %d\n", nfp))
	sb.WriteString(fmt.Sprintf("#define NFACES %d\n", nfaces))
	sb.WriteString("\n")

	// Block access macros, one stride per buffer family.
	sb.WriteString("#define VOL_BLK(ptr, blk) ((ptr) + (blk) * KblockMax * NP)\n")
	sb.WriteString("#define FOF_BLK(ptr, blk) ((ptr) + (blk) * KblockMax * NFACES * NFP)\n")
	sb.WriteString("\n")

	return sb.String()
}

// FluxGatherSource generates the OKL source of one flux batch kernel. Each
// thread block walks its face sides with the plan's parallelism: P lanes
// in the @inner loop, S serial steps per lane. Every writing side is one
// table entry, packed as [writeBase, sideSign, jacIdx, normalIdx], with
// per-slot gather indices in a side-resolved index buffer. Entries live
// in per-block table regions of PFLUX*SFLUX slots. Both sides of an
// interior pair share a normal; the flipped side carries sideSign -1.
//
// The emitted arithmetic comes from the batch's flux programs, so host and
// device evaluate identical expressions.
func FluxGatherSource(a *optemplate.Arena, k *kernels.Kernel, plan *partitions.ExecutionPlan, name string) (string, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "#define PFLUX %d\n", plan.Par.P)
	fmt.Fprintf(&sb, "#define SFLUX %d\n\n", plan.Par.S)

	fmt.Fprintf(&sb, "@kernel void %s(const int_t *pairsPerBlock,\n", name)
	sb.WriteString("                const int_t *pairTable,\n")
	sb.WriteString("                const int_t *gatherIdx,\n")
	sb.WriteString("                const real_t *faceJac,\n")
	sb.WriteString("                const real_t *normals,\n")
	for s := range k.Args {
		fmt.Fprintf(&sb, "                const real_t *arg%d,\n", s)
	}
	for f := range k.Specs {
		sep := ",\n"
		if f == len(k.Specs)-1 {
			sep = ") {\n"
		}
		fmt.Fprintf(&sb, "                real_t *fof%d%s", f, sep)
	}

	sb.WriteString("  for (int blk = 0; blk < NBLK; ++blk; @outer) {\n")
	sb.WriteString("    for (int lane = 0; lane < PFLUX; ++lane; @inner) {\n")
	sb.WriteString("      for (int s = 0; s < SFLUX; ++s) {\n")
	sb.WriteString("        const int pair = s * PFLUX + lane;\n")
	sb.WriteString("        if (pair < pairsPerBlock[blk]) {\n")
	sb.WriteString("          const int gid = blk * (PFLUX * SFLUX) + pair;\n")
	sb.WriteString("          const int_t *row = pairTable + 4 * gid;\n")
	sb.WriteString("          for (int pt = 0; pt < NFP; ++pt) {\n")

	// Side-resolved loads: gatherIdx carries one index per (slot, point)
	// of every table entry, already pointing at the correct side's data.
	for s := range k.Args {
		fmt.Fprintf(&sb, "            const real_t v%d = arg%d[gatherIdx[(gid * %d + %d) * NFP + pt]];\n",
			s, s, len(k.Args), s)
	}
	sb.WriteString("            const real_t jac = faceJac[row[2]];\n")
	sb.WriteString("            const real_t sign = (real_t)row[1];\n")

	for f, spec := range k.Specs {
		expr, err := emitC(a, spec)
		if err != nil {
			return "", &kernels.KernelCompileError{Signature: name, Err: err}
		}
		fmt.Fprintf(&sb, "            FOF_BLK(fof%d, blk)[row[0] + pt] = jac * (%s);\n", f, expr)
	}

	sb.WriteString("          }\n")
	sb.WriteString("        }\n")
	sb.WriteString("      }\n")
	sb.WriteString("    }\n")
	sb.WriteString("  }\n")
	sb.WriteString("}\n")
	return sb.String(), nil
}

// emitC renders a flux expression as a C expression over the side-resolved
// slot values v<slot>, the normal components and the orientation sign.
func emitC(a *optemplate.Arena, spec kernels.FluxSpec) (string, error) {
	var rec func(id optemplate.ExprID) (string, error)
	rec = func(id optemplate.ExprID) (string, error) {
		n := a.Node(id)
		switch n.Kind {
		case optemplate.KindConstant:
			return fmt.Sprintf("%.15e", n.Val), nil

		case optemplate.KindNormal:
			return fmt.Sprintf("(sign * normals[row[3] + %d])", n.Axis), nil

		case optemplate.KindFluxValue:
			slotRef := func(slot int) string {
				if slot < 0 {
					return "REAL_ZERO"
				}
				return fmt.Sprintf("v%d", slot)
			}
			switch n.Side {
			case optemplate.SideLocal:
				return slotRef(spec.LocalSlot), nil
			case optemplate.SideExternal:
				return slotRef(spec.ExtSlot), nil
			case optemplate.SideAverage:
				return fmt.Sprintf("(REAL_HALF * (%s + %s))",
					slotRef(spec.LocalSlot), slotRef(spec.ExtSlot)), nil
			}
			return "", fmt.Errorf("flux trace with unknown side %d", n.Side)

		case optemplate.KindSum, optemplate.KindProduct:
			op := " + "
			if n.Kind == optemplate.KindProduct {
				op = " * "
			}
			parts := make([]string, len(n.Args))
			for i, c := range n.Args {
				p, err := rec(c)
				if err != nil {
					return "", err
				}
				parts[i] = p
			}
			return "(" + strings.Join(parts, op) + ")", nil

		case optemplate.KindIfPositive:
			crit, err := rec(n.Args[0])
			if err != nil {
				return "", err
			}
			then, err := rec(n.Args[1])
			if err != nil {
				return "", err
			}
			els, err := rec(n.Args[2])
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("((%s > REAL_ZERO) ? %s : %s)", crit, then, els), nil

		default:
			return "", fmt.Errorf("expression kind %d not valid inside a flux", n.Kind)
		}
	}
	return rec(spec.Flux)
}
