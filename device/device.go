// Package device moves block-partitioned field data onto an OCCA device
// and generates the flux gather kernels that run there. Volume fields are
// repacked into block-padded layout, boundary fields embedded into aligned
// buffers, and kernel sources built once per name.
package device

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/notargets/gocca"

	"github.com/notargets/dgop/kernels"
	"github.com/notargets/dgop/mesh"
	"github.com/notargets/dgop/partitions"
)

// AlignmentType specifies memory alignment for device buffers, in bytes.
type AlignmentType int

const (
	NoAlignment    AlignmentType = 1
	CacheLineAlign AlignmentType = 64
	WarpAlign      AlignmentType = 128
)

// Config selects the OCCA backend and numeric width.
type Config struct {
	// OCCA is the device properties json, e.g. {"mode": "Serial"} or
	// {"mode": "CUDA", "device_id": 0}.
	OCCA string

	// Float32 narrows device reals to single precision.
	Float32 bool

	// BoundaryAlignment pads boundary embeddings; zero selects WarpAlign.
	BoundaryAlignment AlignmentType

	Logger *slog.Logger
}

// Device owns the OCCA handles for one block layout: pooled memory by
// name, compiled kernels by name, and the geometry needed to pack and
// unpack fields.
type Device struct {
	Layout *partitions.BlockLayout

	Np     int
	Nfp    int
	Nfaces int

	occa     *gocca.OCCADevice
	kernels  map[string]*gocca.OCCAKernel
	memory   map[string]*gocca.OCCAMemory
	float32  bool
	bndAlign AlignmentType
	log      *slog.Logger

	fm   *partitions.FaceStorageMap
	halo *HaloLayout

	preamble string
	builds   int
}

// Open creates a device for the layout. np, nfp and nfaces describe the
// element the packed fields discretize.
func Open(cfg *Config, layout *partitions.BlockLayout, np, nfp, nfaces int) (*Device, error) {
	occaCfg := cfg.OCCA
	if occaCfg == "" {
		occaCfg = `{"mode": "Serial"}`
	}
	dev, err := gocca.NewDevice(occaCfg)
	if err != nil {
		return nil, fmt.Errorf("open occa device %s: %w", occaCfg, err)
	}

	align := cfg.BoundaryAlignment
	if align == 0 {
		align = WarpAlign
	}
	d := &Device{
		Layout:   layout,
		Np:       np,
		Nfp:      nfp,
		Nfaces:   nfaces,
		occa:     dev,
		kernels:  make(map[string]*gocca.OCCAKernel),
		memory:   make(map[string]*gocca.OCCAMemory),
		float32:  cfg.Float32,
		bndAlign: align,
		log:      cfg.Logger,
	}
	if d.log != nil {
		d.log.Debug("device opened", "mode", dev.Mode(), "blocks", len(layout.Blocks))
	}
	return d, nil
}

// Mode reports the OCCA backend in use.
func (d *Device) Mode() string { return d.occa.Mode() }

// KernelBuilds reports how many kernels have been compiled on this device.
func (d *Device) KernelBuilds() int { return d.builds }

// Close releases all kernels, memory and the device itself.
func (d *Device) Close() {
	for _, k := range d.kernels {
		k.Free()
	}
	for _, m := range d.memory {
		m.Free()
	}
	d.occa.Finish()
	d.occa.Free()
}

// floatBytes returns the device real width.
func (d *Device) floatBytes() int {
	if d.float32 {
		return 4
	}
	return 8
}

// BlockVolumeSize returns the padded per-block volume length.
func (d *Device) BlockVolumeSize() int {
	return d.Layout.KblockMax * d.Np
}

// PackedVolumeSize returns the device volume buffer length across blocks.
func (d *Device) PackedVolumeSize() int {
	return len(d.Layout.Blocks) * d.BlockVolumeSize()
}

// AttachHalo registers a face storage map's replica layout. Packed
// volume buffers then grow a halo tail holding every block's imported
// face traces, filled on each pack.
func (d *Device) AttachHalo(fm *partitions.FaceStorageMap) {
	d.fm = fm
	d.halo = BuildHaloLayout(fm, d.Np)
}

// PackVolume reorders a mesh-ordered volume field into block-padded device
// layout: block b's element i starts at (b*KblockMax + i)*Np. Padding
// elements stay zero. With a halo attached the buffer carries the filled
// replica region after the volume range.
func (d *Device) PackVolume(field []float64) ([]float64, error) {
	size := d.PackedVolumeSize()
	if d.halo != nil {
		size += d.halo.Size
	}
	packed := make([]float64, size)
	for b := range d.Layout.Blocks {
		blk := &d.Layout.Blocks[b]
		base := b * d.BlockVolumeSize()
		for local, elem := range blk.Elements {
			copy(packed[base+local*d.Np:base+(local+1)*d.Np],
				field[elem*d.Np:(elem+1)*d.Np])
		}
	}
	if d.halo != nil {
		if err := FillHalo(packed, d.halo, d.fm, d.Np); err != nil {
			return nil, err
		}
	}
	return packed, nil
}

// UnpackVolume reverses PackVolume, dropping block padding.
func (d *Device) UnpackVolume(packed []float64) []float64 {
	field := make([]float64, d.Layout.TotalElements*d.Np)
	for b := range d.Layout.Blocks {
		blk := &d.Layout.Blocks[b]
		base := b * d.BlockVolumeSize()
		for local, elem := range blk.Elements {
			copy(field[elem*d.Np:(elem+1)*d.Np],
				packed[base+local*d.Np:base+(local+1)*d.Np])
		}
	}
	return field
}

// UploadVolume packs a volume field and places it in pooled device memory
// under name, replacing any previous buffer of that name.
func (d *Device) UploadVolume(name string, field []float64) error {
	packed, err := d.PackVolume(field)
	if err != nil {
		return err
	}
	return d.upload(name, packed)
}

// DownloadVolume copies a named device buffer back and unpacks it to mesh
// order.
func (d *Device) DownloadVolume(name string) ([]float64, error) {
	packed, err := d.download(name, d.PackedVolumeSize())
	if err != nil {
		return nil, err
	}
	return d.UnpackVolume(packed), nil
}

// EmbedBoundary places a boundary field in pooled device memory under
// name, padded to the configured alignment. The tag's index-embedding
// array gives, per boundary-field entry, its position in the embedded
// buffer, read off the face storage map's boundary storage offsets; the
// field is scattered through it, the array itself is uploaded under
// name+".embedding", and both the array and the padded float count are
// returned. A tag with no faces uploads nothing.
func (d *Device) EmbedBoundary(name string, field []float64,
	fg *mesh.FaceGroup, fm *partitions.FaceStorageMap) ([]int32, int, error) {

	if len(fg.FacePairs) == 0 {
		return nil, 0, nil
	}
	if len(field) != len(fg.FacePairs)*d.Nfp {
		return nil, 0, fmt.Errorf("boundary field %q holds %d values, tag has %d faces of %d points",
			name, len(field), len(fg.FacePairs), d.Nfp)
	}

	emb, need, err := BoundaryEmbedding(fg, fm, d.Nfp)
	if err != nil {
		return nil, 0, err
	}

	floatsPerAlign := int(d.bndAlign) / d.floatBytes()
	if floatsPerAlign < 1 {
		floatsPerAlign = 1
	}
	padded := (need + floatsPerAlign - 1) / floatsPerAlign * floatsPerAlign
	buf := make([]float64, padded)
	for i, v := range field {
		buf[emb[i]] = v
	}
	if err := d.upload(name, buf); err != nil {
		return nil, 0, err
	}
	if err := d.uploadInts(name+".embedding", emb); err != nil {
		return nil, 0, err
	}
	return emb, padded, nil
}

// BoundaryEmbedding builds one tag's index-embedding array: entry
// ord*nfp+pt is the embedded position of boundary face ord's pt-th
// point, taken from the boundary storage each face is linked to in the
// face storage map. The second result is the buffer length the
// embedding requires before alignment padding.
func BoundaryEmbedding(fg *mesh.FaceGroup, fm *partitions.FaceStorageMap,
	nfp int) ([]int32, int, error) {

	emb := make([]int32, len(fg.FacePairs)*nfp)
	need := 0
	for i := range fg.FacePairs {
		fp := &fg.FacePairs[i]
		loc := fm.Storage(fm.Layout.EToB[fp.Loc.Element],
			fm.Layout.LocalID[fp.Loc.Element], fp.Loc.Face)
		bnd, ok := loc.Opposite.(*partitions.BoundaryFaceStorage)
		if !ok {
			return nil, 0, fmt.Errorf("face %d of tag %q is not linked to boundary storage",
				fp.BoundaryIndex, fp.BoundaryTag)
		}
		for pt := 0; pt < nfp; pt++ {
			emb[fp.BoundaryIndex*nfp+pt] = int32(bnd.Offset + pt)
		}
		if bnd.Offset+nfp > need {
			need = bnd.Offset + nfp
		}
	}
	return emb, need, nil
}

func (d *Device) upload(name string, data []float64) error {
	if len(data) == 0 {
		return fmt.Errorf("empty buffer %q", name)
	}
	if old, ok := d.memory[name]; ok {
		old.Free()
		delete(d.memory, name)
	}
	var mem *gocca.OCCAMemory
	if d.float32 {
		data32 := make([]float32, len(data))
		for i, v := range data {
			data32[i] = float32(v)
		}
		mem = d.occa.Malloc(int64(len(data32)*4), unsafe.Pointer(&data32[0]), nil)
	} else {
		mem = d.occa.Malloc(int64(len(data)*8), unsafe.Pointer(&data[0]), nil)
	}
	if mem == nil {
		return fmt.Errorf("device malloc for %q (%d floats) failed", name, len(data))
	}
	d.memory[name] = mem
	return nil
}

// uploadInts places an index buffer in pooled device memory. Index data
// keeps 32-bit width regardless of the real type.
func (d *Device) uploadInts(name string, data []int32) error {
	if old, ok := d.memory[name]; ok {
		old.Free()
		delete(d.memory, name)
	}
	if len(data) == 0 {
		return fmt.Errorf("empty index buffer %q", name)
	}
	mem := d.occa.Malloc(int64(len(data)*4), unsafe.Pointer(&data[0]), nil)
	if mem == nil {
		return fmt.Errorf("device malloc for %q (%d ints) failed", name, len(data))
	}
	d.memory[name] = mem
	return nil
}

func (d *Device) download(name string, n int) ([]float64, error) {
	mem, ok := d.memory[name]
	if !ok {
		return nil, fmt.Errorf("no device buffer named %q", name)
	}
	if d.float32 {
		data32 := make([]float32, n)
		mem.CopyTo(unsafe.Pointer(&data32[0]), int64(n*4))
		out := make([]float64, n)
		for i, v := range data32 {
			out[i] = float64(v)
		}
		return out, nil
	}
	out := make([]float64, n)
	mem.CopyTo(unsafe.Pointer(&out[0]), int64(n*8))
	return out, nil
}

// Memory returns the pooled buffer registered under name, or nil.
func (d *Device) Memory(name string) *gocca.OCCAMemory {
	return d.memory[name]
}

// BuildKernel compiles source (with the device preamble prepended) under
// the given name, once: repeated builds of the same name return the
// cached kernel.
func (d *Device) BuildKernel(source, name string) (*gocca.OCCAKernel, error) {
	if k, ok := d.kernels[name]; ok {
		return k, nil
	}
	full := d.Preamble() + "\n" + source

	var kernel *gocca.OCCAKernel
	var err error
	if d.occa.Mode() == "OpenMP" {
		// OCCA's OpenMP backend misses the default -O3 flag.
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = d.occa.BuildKernelFromString(full, name, props)
	} else {
		kernel, err = d.occa.BuildKernelFromString(full, name, nil)
	}
	if err != nil {
		return nil, &kernels.KernelCompileError{Signature: name, Err: err}
	}
	if kernel == nil {
		return nil, &kernels.KernelCompileError{Signature: name,
			Err: fmt.Errorf("build returned no kernel")}
	}
	d.kernels[name] = kernel
	d.builds++
	if d.log != nil {
		d.log.Debug("kernel built", "name", name, "mode", d.occa.Mode())
	}
	return kernel, nil
}

// RunKernel executes a previously built kernel.
func (d *Device) RunKernel(name string, args ...interface{}) error {
	kernel, ok := d.kernels[name]
	if !ok {
		return fmt.Errorf("kernel %q not built", name)
	}
	return kernel.RunWithArgs(args...)
}
