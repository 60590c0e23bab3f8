package ubuf

import (
	"fmt"
	"sync/atomic"

	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/umem"
)

// PlaneDesc describes one picture plane's chroma subsampling and layout.
type PlaneDesc struct {
	Chroma      string // e.g. "y8", "u8", "v8", "rgb24"
	HSub, VSub  uint8  // horizontal/vertical subsampling factors
	MacropixSz  uint8  // macropixel size in bytes
}

// plane is one plane's storage: its own shared region plus stride.
type plane struct {
	desc   PlaneDesc
	sh     *shared
	stride int
	mapped int32 // balance counter, spec §3 invariant (ii)
}

// Picture is the picture variant of ubuf: a set of named planes, each with
// its own backing region, stride and subsampling. Requires map-before-
// access / unmap-after, grounded on spec §4.C's plane/sample interface
// note and on original_source/lib/upipe/ubuf_pic.c's per-plane iteration.
type Picture struct {
	allocator    umem.Allocator
	hsize, vsize int // full-resolution picture size
	planes       map[string]*plane
	order        []string
}

// AllocPicture allocates a picture of the given size with the given plane
// descriptors (one allocation per plane, sized per its subsampling).
func AllocPicture(allocator umem.Allocator, hsize, vsize int, descs []PlaneDesc) (*Picture, error) {
	if hsize <= 0 || vsize <= 0 {
		return nil, uerror.NewInvalid("ubuf.picture.alloc", nil)
	}
	p := &Picture{allocator: allocator, hsize: hsize, vsize: vsize, planes: make(map[string]*plane)}
	for _, d := range descs {
		if d.HSub == 0 {
			d.HSub = 1
		}
		if d.VSub == 0 {
			d.VSub = 1
		}
		if d.MacropixSz == 0 {
			d.MacropixSz = 1
		}
		pw := (hsize + int(d.HSub) - 1) / int(d.HSub) * int(d.MacropixSz)
		ph := (vsize + int(d.VSub) - 1) / int(d.VSub)
		mem, err := allocator.Alloc(pw * ph)
		if err != nil {
			p.Free()
			return nil, uerror.NewAlloc("ubuf.picture.alloc", err)
		}
		p.planes[d.Chroma] = &plane{desc: d, sh: newShared(mem), stride: pw}
		p.order = append(p.order, d.Chroma)
	}
	return p, nil
}

// Size returns the full-resolution picture dimensions.
func (p *Picture) Size() (hsize, vsize int) { return p.hsize, p.vsize }

// Planes returns the chroma names in allocation order.
func (p *Picture) Planes() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Stride returns the byte stride of the named plane.
func (p *Picture) Stride(chroma string) (int, error) {
	pl, ok := p.planes[chroma]
	if !ok {
		return 0, uerror.NewInvalid("ubuf.picture.stride", fmt.Errorf("no plane %q", chroma))
	}
	return pl.stride, nil
}

// Map returns the backing buffer for chroma and increments its map balance
// counter; pairs with Unmap. Write access additionally requires the plane's
// shared region be exclusively owned (Busy otherwise).
func (p *Picture) Map(chroma string, writable bool) ([]byte, error) {
	pl, ok := p.planes[chroma]
	if !ok {
		return nil, uerror.NewInvalid("ubuf.picture.map", fmt.Errorf("no plane %q", chroma))
	}
	if writable && !pl.sh.writable() {
		return nil, uerror.NewBusy("ubuf.picture.map", fmt.Errorf("plane %q shared (refs=%d)", chroma, pl.sh.refCount()))
	}
	atomic.AddInt32(&pl.mapped, 1)
	return pl.sh.mem.Buffer(), nil
}

// Unmap balances a prior Map call. An unbalanced Unmap (mapped count going
// negative) panics in every build, per spec §3 invariant (ii).
func (p *Picture) Unmap(chroma string) {
	pl, ok := p.planes[chroma]
	if !ok {
		return
	}
	if atomic.AddInt32(&pl.mapped, -1) < 0 {
		atomic.AddInt32(&pl.mapped, 1)
		panic("ubuf: unbalanced Unmap on picture plane " + chroma)
	}
}

// Dup shares every plane's backing region (read-only until DupWritable).
func (p *Picture) Dup() *Picture {
	np := &Picture{allocator: p.allocator, hsize: p.hsize, vsize: p.vsize, planes: make(map[string]*plane)}
	for _, name := range p.order {
		pl := p.planes[name]
		np.planes[name] = &plane{desc: pl.desc, sh: pl.sh.use(), stride: pl.stride}
		np.order = append(np.order, name)
	}
	return np
}

// Free releases every plane's shared region. The caller must ensure every
// Map has been Unmapped first.
func (p *Picture) Free() {
	for _, name := range p.order {
		pl := p.planes[name]
		if atomic.LoadInt32(&pl.mapped) != 0 {
			panic("ubuf: freeing picture with outstanding map on plane " + name)
		}
		pl.sh.release()
	}
	p.planes = nil
	p.order = nil
}
