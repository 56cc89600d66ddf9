package compiler

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/notargets/dgop/element"
	"github.com/notargets/dgop/kernels"
	"github.com/notargets/dgop/mesh"
	"github.com/notargets/dgop/optemplate"
)

// Config carries the discretization's adjustable collaborators.
type Config struct {
	// Logger receives compile and schedule diagnostics. Nil disables them.
	Logger *slog.Logger
}

// Discretization binds compiled templates to a mesh and element and
// executes them. It owns two caches: compiled schedules keyed by template
// identity, and flux kernels keyed by batch signature, so each template is
// lowered once and each batch is specialized once.
type Discretization struct {
	Mesh *mesh.Mesh
	El   *element.Operators

	log      *slog.Logger
	kernels  *kernels.Cache
	compiled map[*optemplate.Arena]map[string]*Compiled
	compiles int

	invJ []float64
}

// NewDiscretization builds a discretization over m and el. cfg may be nil.
func NewDiscretization(m *mesh.Mesh, el *element.Operators, cfg *Config) *Discretization {
	var logger *slog.Logger
	if cfg != nil {
		logger = cfg.Logger
	}
	return &Discretization{
		Mesh:     m,
		El:       el,
		log:      logger,
		kernels:  kernels.NewCache(),
		compiled: make(map[*optemplate.Arena]map[string]*Compiled),
		invJ:     m.InverseJacobians(),
	}
}

// Compile runs the rewrite pipeline on t and lowers the result to an
// instruction schedule. Results are cached by template identity; compiling
// the same template again returns the cached schedule.
func (d *Discretization) Compile(t *optemplate.Template) (*Compiled, error) {
	byKey := d.compiled[t.Arena]
	if byKey == nil {
		byKey = make(map[string]*Compiled)
		d.compiled[t.Arena] = byKey
	}
	key := t.Key()
	if c, ok := byKey[key]; ok {
		return c, nil
	}

	prepared, err := optemplate.Prepare(t)
	if err != nil {
		return nil, err
	}
	instrs, err := schedule(prepared)
	if err != nil {
		return nil, err
	}
	c := &Compiled{
		Template:     prepared,
		Instructions: instrs,
		Inputs:       prepared.InputNames(),
		Outputs:      prepared.OutputNames(),
	}
	byKey[key] = c
	d.compiles++
	if d.log != nil {
		d.log.Debug("compiled operator template",
			"outputs", c.Outputs,
			"inputs", c.Inputs,
			"instructions", len(instrs))
	}
	return c, nil
}

// Compiles reports how many distinct templates have been lowered.
func (d *Discretization) Compiles() int { return d.compiles }

// KernelBuilds reports how many flux kernels have been specialized.
func (d *Discretization) KernelBuilds() int { return d.kernels.Builds() }

// frame is the mutable state of one Execute call. A fresh frame per call
// keeps executions independent.
type frame struct {
	fields map[string][]float64
	heavy  map[optemplate.ExprID][]float64
	memo   map[optemplate.ExprID]evalValue
}

// evalValue is either a broadcast scalar or a data array.
type evalValue struct {
	scalar float64
	arr    []float64
}

func (v evalValue) isScalar() bool { return v.arr == nil }

func (v evalValue) at(i int) float64 {
	if v.arr == nil {
		return v.scalar
	}
	return v.arr[i]
}

// materialize returns the value as an array of length n, copying a scalar
// out to every entry.
func (v evalValue) materialize(n int) []float64 {
	if v.arr != nil {
		return v.arr
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = v.scalar
	}
	return out
}

// Execute runs a compiled schedule against named input fields. Volume
// fields are K*Np long; boundary fields are face ordered per their tag.
// The returned map holds one volume field per declared output.
func (d *Discretization) Execute(c *Compiled, fields map[string][]float64) (map[string][]float64, error) {
	f := &frame{
		fields: fields,
		heavy:  make(map[optemplate.ExprID][]float64),
		memo:   make(map[optemplate.ExprID]evalValue),
	}
	a := c.Template.Arena
	results := make(map[string][]float64, len(c.Outputs))

	for _, in := range c.Instructions {
		switch in := in.(type) {
		case *FluxBatchAssign:
			if err := d.execFluxBatch(a, f, in); err != nil {
				return nil, err
			}
		case *DiffBatchAssign:
			if err := d.execDiffBatch(a, f, in); err != nil {
				return nil, err
			}
		case *Assign:
			v, err := d.eval(a, f, in.Expr)
			if err != nil {
				return nil, err
			}
			results[in.Name] = v.materialize(d.Mesh.VolumeSize())
		case *Discard:
			for _, id := range in.IDs {
				delete(f.heavy, id)
				delete(f.memo, id)
			}
		default:
			return nil, fmt.Errorf("unknown instruction %T", in)
		}
	}
	return results, nil
}

func (d *Discretization) execFluxBatch(a *optemplate.Arena, f *frame, in *FluxBatchAssign) error {
	k, err := d.kernels.Get(a, in.Kind, in.Specs, in.Args)
	if err != nil {
		return err
	}

	fg := d.Mesh.Interior
	if in.Kind.Boundary {
		fg = d.Mesh.Boundary(in.Kind.Tag)
		if fg == nil {
			return fmt.Errorf("mesh has no boundary tagged %q", in.Kind.Tag)
		}
	}

	args := make([][]float64, len(in.Args))
	for s, spec := range in.Args {
		v, err := d.eval(a, f, spec.Expr)
		if err != nil {
			return err
		}
		n := d.Mesh.VolumeSize()
		if in.Kind.Boundary && !spec.Local {
			n = d.Mesh.BoundarySize(in.Kind.Tag)
		}
		args[s] = v.materialize(n)
	}

	fof := make([][]float64, len(in.Specs))
	for i := range fof {
		fof[i] = make([]float64, fg.FaceBufferSize())
	}
	if err := k.Gather(fg, args, fof); err != nil {
		return err
	}

	for i, spec := range in.Specs {
		vol := make([]float64, d.Mesh.VolumeSize())
		if spec.Lift {
			d.El.LiftFaces(fof[i], vol, d.Mesh.K, d.invJ)
		} else {
			// Face-mass weighting only: undo the inverse mass folded
			// into the lift matrix.
			tmp := make([]float64, d.Mesh.VolumeSize())
			d.El.LiftFaces(fof[i], tmp, d.Mesh.K, nil)
			d.El.ApplyMass(tmp, vol, d.Mesh.K)
		}
		f.heavy[in.IDs[i]] = vol
	}
	return nil
}

func (d *Discretization) execDiffBatch(a *optemplate.Arena, f *frame, in *DiffBatchAssign) error {
	v, err := d.eval(a, f, in.Operand)
	if err != nil {
		return err
	}
	u := v.materialize(d.Mesh.VolumeSize())

	m := d.Mesh
	// Reference derivatives once per operand, reused across axes.
	ref := make([][]float64, m.Dim)
	for r := 0; r < m.Dim; r++ {
		ref[r] = make([]float64, m.VolumeSize())
		d.El.ApplyDiff(r, u, ref[r], m.K)
	}

	for i, axis := range in.Axes {
		out := make([]float64, m.VolumeSize())
		for r := 0; r < m.Dim; r++ {
			metric := m.Metric[axis][r]
			for e := 0; e < m.K; e++ {
				g := metric[e]
				if g == 0 {
					continue
				}
				base := e * m.Np
				for p := 0; p < m.Np; p++ {
					out[base+p] += g * ref[r][base+p]
				}
			}
		}
		f.heavy[in.IDs[i]] = out
	}
	return nil
}

// eval computes an expression over the frame. Flux and derivative bindings
// read their precomputed frame entries; mass and inverse-mass bindings are
// applied inline with the volume Jacobian folded in.
func (d *Discretization) eval(a *optemplate.Arena, f *frame, id optemplate.ExprID) (evalValue, error) {
	if v, ok := f.memo[id]; ok {
		return v, nil
	}
	n := a.Node(id)
	var v evalValue
	switch n.Kind {
	case optemplate.KindConstant:
		v = evalValue{scalar: n.Val}

	case optemplate.KindField:
		data, ok := f.fields[n.Name]
		if !ok {
			return evalValue{}, &NameResolutionError{Name: n.Name, Known: knownFields(f.fields)}
		}
		v = evalValue{arr: data}

	case optemplate.KindSum:
		acc, err := d.evalArgs(a, f, n.Args)
		if err != nil {
			return evalValue{}, err
		}
		v = combine(acc, func(x, y float64) float64 { return x + y })

	case optemplate.KindProduct:
		acc, err := d.evalArgs(a, f, n.Args)
		if err != nil {
			return evalValue{}, err
		}
		v = combine(acc, func(x, y float64) float64 { return x * y })

	case optemplate.KindIfPositive:
		acc, err := d.evalArgs(a, f, n.Args)
		if err != nil {
			return evalValue{}, err
		}
		v = selectPositive(acc[0], acc[1], acc[2])

	case optemplate.KindOperatorBinding:
		switch n.Op {
		case optemplate.OpFlux, optemplate.OpDiff:
			data, ok := f.heavy[id]
			if !ok {
				return evalValue{}, fmt.Errorf("operator binding #%d read before its instruction ran", id)
			}
			v = evalValue{arr: data}
		case optemplate.OpMass, optemplate.OpInverseMass:
			operand, err := d.eval(a, f, n.Operand)
			if err != nil {
				return evalValue{}, err
			}
			v = evalValue{arr: d.applyMass(n.Op, operand)}
		default:
			return evalValue{}, fmt.Errorf("operator kind %d not executable", n.Op)
		}

	default:
		return evalValue{}, fmt.Errorf("expression kind %d not executable", n.Kind)
	}
	f.memo[id] = v
	return v, nil
}

func (d *Discretization) evalArgs(a *optemplate.Arena, f *frame, args []optemplate.ExprID) ([]evalValue, error) {
	out := make([]evalValue, len(args))
	for i, c := range args {
		v, err := d.eval(a, f, c)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// applyMass applies the physical mass or inverse-mass operator: the
// reference matrix scaled by the element Jacobian or its inverse.
func (d *Discretization) applyMass(op optemplate.OpKind, operand evalValue) []float64 {
	m := d.Mesh
	u := operand.materialize(m.VolumeSize())
	out := make([]float64, m.VolumeSize())
	var scale []float64
	if op == optemplate.OpMass {
		d.El.ApplyMass(u, out, m.K)
		scale = m.J
	} else {
		d.El.ApplyInverseMass(u, out, m.K)
		scale = d.invJ
	}
	for e := 0; e < m.K; e++ {
		s := scale[e]
		base := e * m.Np
		for p := 0; p < m.Np; p++ {
			out[base+p] *= s
		}
	}
	return out
}

func combine(vals []evalValue, op func(x, y float64) float64) evalValue {
	n := -1
	for _, v := range vals {
		if !v.isScalar() {
			n = len(v.arr)
			break
		}
	}
	if n < 0 {
		acc := vals[0].scalar
		for _, v := range vals[1:] {
			acc = op(acc, v.scalar)
		}
		return evalValue{scalar: acc}
	}
	out := make([]float64, n)
	for i := range out {
		acc := vals[0].at(i)
		for _, v := range vals[1:] {
			acc = op(acc, v.at(i))
		}
		out[i] = acc
	}
	return evalValue{arr: out}
}

func selectPositive(crit, then, els evalValue) evalValue {
	if crit.isScalar() && then.isScalar() && els.isScalar() {
		if crit.scalar > 0 {
			return then
		}
		return els
	}
	n := 0
	for _, v := range []evalValue{crit, then, els} {
		if !v.isScalar() {
			n = len(v.arr)
			break
		}
	}
	out := make([]float64, n)
	for i := range out {
		if crit.at(i) > 0 {
			out[i] = then.at(i)
		} else {
			out[i] = els.at(i)
		}
	}
	return evalValue{arr: out}
}

func knownFields(fields map[string][]float64) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
