package kernels

import (
	"fmt"

	"github.com/notargets/dgop/mesh"
	"github.com/notargets/dgop/optemplate"
)

// Kernel is the specialized gather routine of one flux batch: every flux
// expression of the batch compiled to a flat program, driven over a face
// group in a single traversal.
type Kernel struct {
	Kind     FluxKind
	Sig      string
	Specs    []FluxSpec
	Args     []ArgSpec
	programs []program
}

// Compile builds the kernel for a batch. It runs at most once per
// signature when reached through a Cache.
func Compile(a *optemplate.Arena, kind FluxKind, specs []FluxSpec, args []ArgSpec) (*Kernel, error) {
	sig := Signature(kind, specs, args)
	k := &Kernel{
		Kind:     kind,
		Sig:      sig,
		Specs:    specs,
		Args:     args,
		programs: make([]program, len(specs)),
	}
	for i, s := range specs {
		if s.LocalSlot >= len(args) || s.ExtSlot >= len(args) {
			return nil, &KernelCompileError{Signature: sig,
				Err: fmt.Errorf("flux %d references slot beyond %d arguments", i, len(args))}
		}
		p, err := compileFlux(a, s)
		if err != nil {
			return nil, &KernelCompileError{Signature: sig, Err: err}
		}
		k.programs[i] = p
	}
	return k, nil
}

// Gather evaluates the batch over a face group. args holds one field per
// argument slot: for interior groups every slot is a volume-sized field;
// for boundary groups external slots hold the tag's boundary buffer
// instead. out holds one face-resident buffer per flux, written in fof
// layout and scaled by the face Jacobian.
//
// Interior pairs produce both sides in one visit: the local side is
// written at the pair's own points, then local and external roles swap
// and the opposite element's values land through the pair's write map.
// Boundary pairs produce the local side only.
func (k *Kernel) Gather(fg *mesh.FaceGroup, args [][]float64, out [][]float64) error {
	if len(args) != len(k.Args) {
		return fmt.Errorf("batch %s: got %d argument fields, want %d", k.Sig, len(args), len(k.Args))
	}
	if len(out) != len(k.Specs) {
		return fmt.Errorf("batch %s: got %d output buffers, want %d", k.Sig, len(out), len(k.Specs))
	}
	nfp := fg.Nfp
	ctx := pointContext{args: make([]float64, len(k.Args))}
	for _, fp := range fg.FacePairs {
		locIdx := fg.IndexList(fp.Loc.IndexListID)
		oppIdx := fg.IndexList(fp.Opp.IndexListID)
		wmap := fg.IndexList(fp.OppWriteMapID)

		locBase := fg.FofBase(fp.Loc.Element, fp.Loc.Face)
		ctx.normal = fp.Normal
		for i := 0; i < nfp; i++ {
			for s, spec := range k.Args {
				if spec.Local {
					ctx.args[s] = args[s][fp.Loc.ElBase+locIdx[i]]
				} else {
					ctx.args[s] = args[s][fp.Opp.ElBase+oppIdx[i]]
				}
			}
			ctx.sign = 1
			for f, p := range k.programs {
				out[f][locBase+i] = fp.FaceJacobian * p.eval(&ctx)
			}
			if fp.Opp.Element >= 0 {
				// Opposite side: local and external roles swap, the
				// outward normal flips, and the write lands in the
				// neighbor's point order.
				for s, spec := range k.Args {
					if spec.Local {
						ctx.args[s] = args[s][fp.Opp.ElBase+oppIdx[i]]
					} else {
						ctx.args[s] = args[s][fp.Loc.ElBase+locIdx[i]]
					}
				}
				ctx.sign = -1
				oppBase := fg.FofBase(fp.Opp.Element, fp.Opp.Face)
				for f, p := range k.programs {
					out[f][oppBase+wmap[i]] = fp.FaceJacobian * p.eval(&ctx)
				}
			}
		}
	}
	return nil
}

// Cache maps batch signatures to compiled kernels so each signature is
// compiled at most once per discretization.
type Cache struct {
	kernels map[string]*Kernel
	builds  int
}

func NewCache() *Cache {
	return &Cache{kernels: make(map[string]*Kernel)}
}

// Get returns the kernel for the batch, compiling it on first use.
func (c *Cache) Get(a *optemplate.Arena, kind FluxKind, specs []FluxSpec, args []ArgSpec) (*Kernel, error) {
	sig := Signature(kind, specs, args)
	if k, ok := c.kernels[sig]; ok {
		return k, nil
	}
	k, err := Compile(a, kind, specs, args)
	if err != nil {
		return nil, err
	}
	c.kernels[sig] = k
	c.builds++
	return k, nil
}

// Builds reports how many kernels have been compiled.
func (c *Cache) Builds() int { return c.builds }
