// Package uref implements the unit of flow between pipes: one optional
// ubuf payload, one owning udict, and a per-packet clock vector. A uref is
// owned by exactly one pipe at a time; dup forks the udict (deep) and
// shares the ubuf (refcount clone).
//
// Generalizes the "one packet, a handful of metadata fields, one payload"
// shape of a typed protocol message to arbitrary flows, trading a single
// millisecond timestamp field for a richer multi-axis clock vector.
package uref

import (
	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/udict"
	"github.com/alxayo/upipe-go/pkg/uerror"
)

// clockField identifies one of the optional clock vector fields.
type clockField int

const (
	crProg clockField = iota
	crSys
	dtsProg
	dtsSys
	ptsProg
	ptsSys
	duration
	crDTSDelay
	dtsPTSDelay
	latency
	numClockFields
)

// Ref is one uref: optional block/picture/sound/void payload (exactly one
// of these fields is non-nil when present), an owning Dict, and a clock
// vector with up to ten related timestamps, each optional.
type Ref struct {
	Block   *ubuf.Block
	Picture *ubuf.Picture
	Sound   *ubuf.Sound
	Void    *ubuf.Void

	dict *udict.Dict

	clocks [numClockFields]uint64
	has    [numClockFields]bool
	wrap   uint64 // wrap-around modulus, 0 = no wrap tracking
}

// Alloc creates a Ref with an empty Dict bound to mgr and no ubuf attached.
func Alloc(mgr *udict.Manager) *Ref {
	return &Ref{dict: udict.New(mgr)}
}

// Dict returns the owning attribute dictionary.
func (r *Ref) Dict() *udict.Dict { return r.dict }

// AttachBlock moves ownership of b into r, detaching any previously
// attached payload first.
func (r *Ref) AttachBlock(b *ubuf.Block) {
	r.DetachUbuf()
	r.Block = b
}

func (r *Ref) AttachPicture(p *ubuf.Picture) {
	r.DetachUbuf()
	r.Picture = p
}

func (r *Ref) AttachSound(s *ubuf.Sound) {
	r.DetachUbuf()
	r.Sound = s
}

func (r *Ref) AttachVoid(v *ubuf.Void) {
	r.DetachUbuf()
	r.Void = v
}

// DetachUbuf frees whichever ubuf is currently attached, if any, and clears
// all payload fields.
func (r *Ref) DetachUbuf() {
	if r.Block != nil {
		r.Block.Free()
		r.Block = nil
	}
	if r.Picture != nil {
		r.Picture.Free()
		r.Picture = nil
	}
	if r.Sound != nil {
		r.Sound.Free()
		r.Sound = nil
	}
	r.Void = nil
}

// Free releases the Ref's ubuf payload. The udict is left for garbage
// collection (it holds no unmanaged resources).
func (r *Ref) Free() {
	r.DetachUbuf()
}

// Dup deep-copies the udict, shares the ubuf (refcount clone), and copies
// the clock vector. The original Ref is left untouched and still owns its
// own ubuf reference.
func (r *Ref) Dup() *Ref {
	nr := &Ref{dict: r.dict.Dup(), clocks: r.clocks, has: r.has, wrap: r.wrap}
	if r.Block != nil {
		nr.Block = r.Block.Dup()
	}
	if r.Picture != nil {
		nr.Picture = r.Picture.Dup()
	}
	if r.Sound != nil {
		nr.Sound = r.Sound.Dup()
	}
	if r.Void != nil {
		nr.Void = ubuf.NewVoid()
	}
	return nr
}

func (r *Ref) setClock(f clockField, v uint64) {
	r.clocks[f] = v
	r.has[f] = true
}

func (r *Ref) getClock(f clockField) (uint64, error) {
	if !r.has[f] {
		return 0, uerror.NewInvalid("uref.clock.get", nil)
	}
	return r.clocks[f], nil
}

func (r *Ref) SetCrProg(v uint64)      { r.setClock(crProg, v) }
func (r *Ref) SetCrSys(v uint64)       { r.setClock(crSys, v) }
func (r *Ref) SetDtsProg(v uint64)     { r.setClock(dtsProg, v) }
func (r *Ref) SetDtsSys(v uint64)      { r.setClock(dtsSys, v) }
func (r *Ref) SetPtsProg(v uint64)     { r.setClock(ptsProg, v) }
func (r *Ref) SetPtsSys(v uint64)      { r.setClock(ptsSys, v) }
func (r *Ref) SetDuration(v uint64)    { r.setClock(duration, v) }
func (r *Ref) SetCrDTSDelay(v uint64)  { r.setClock(crDTSDelay, v) }
func (r *Ref) SetDtsPTSDelay(v uint64) { r.setClock(dtsPTSDelay, v) }
func (r *Ref) SetLatency(v uint64)     { r.setClock(latency, v) }
func (r *Ref) SetWrap(v uint64)        { r.wrap = v }

func (r *Ref) GetCrProg() (uint64, error)      { return r.getClock(crProg) }
func (r *Ref) GetCrSys() (uint64, error)       { return r.getClock(crSys) }
func (r *Ref) GetDtsProg() (uint64, error)     { return r.getClock(dtsProg) }
func (r *Ref) GetDtsSys() (uint64, error)      { return r.getClock(dtsSys) }
func (r *Ref) GetPtsProg() (uint64, error)     { return r.getClock(ptsProg) }
func (r *Ref) GetPtsSys() (uint64, error)      { return r.getClock(ptsSys) }
func (r *Ref) GetDuration() (uint64, error)    { return r.getClock(duration) }
func (r *Ref) GetCrDTSDelay() (uint64, error)  { return r.getClock(crDTSDelay) }
func (r *Ref) GetDtsPTSDelay() (uint64, error) { return r.getClock(dtsPTSDelay) }
func (r *Ref) GetLatency() (uint64, error)     { return r.getClock(latency) }
func (r *Ref) GetWrap() uint64                 { return r.wrap }

// HasPtsSys/HasDtsSys/HasCrSys report whether the respective field was set,
// without the error-returning ceremony of the Get accessors — convenient
// for the hot path in tsencaps/tsaggregate scheduling decisions.
func (r *Ref) HasPtsSys() bool { return r.has[ptsSys] }
func (r *Ref) HasDtsSys() bool { return r.has[dtsSys] }
func (r *Ref) HasCrSys() bool  { return r.has[crSys] }

// DerivePtsSys computes pts_sys from dts_sys + dts_pts_delay, or from
// cr_sys + cr_dts_delay + dts_pts_delay, when pts_sys itself is missing but
// the supporting fields are present. Fails Invalid if insufficient fields
// are set (spec §4.D).
func (r *Ref) DerivePtsSys() (uint64, error) {
	if r.has[ptsSys] {
		return r.clocks[ptsSys], nil
	}
	if r.has[dtsSys] && r.has[dtsPTSDelay] {
		return r.clocks[dtsSys] + r.clocks[dtsPTSDelay], nil
	}
	if r.has[crSys] && r.has[crDTSDelay] && r.has[dtsPTSDelay] {
		return r.clocks[crSys] + r.clocks[crDTSDelay] + r.clocks[dtsPTSDelay], nil
	}
	return 0, uerror.NewInvalid("uref.derive_pts_sys", nil)
}

// DeriveDtsSys computes dts_sys from cr_sys + cr_dts_delay, or from pts_sys
// - dts_pts_delay, when dts_sys itself is missing.
func (r *Ref) DeriveDtsSys() (uint64, error) {
	if r.has[dtsSys] {
		return r.clocks[dtsSys], nil
	}
	if r.has[crSys] && r.has[crDTSDelay] {
		return r.clocks[crSys] + r.clocks[crDTSDelay], nil
	}
	if r.has[ptsSys] && r.has[dtsPTSDelay] {
		return r.clocks[ptsSys] - r.clocks[dtsPTSDelay], nil
	}
	return 0, uerror.NewInvalid("uref.derive_dts_sys", nil)
}
