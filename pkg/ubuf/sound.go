package ubuf

import (
	"fmt"
	"sync/atomic"

	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/umem"
)

// Sound is the sound variant of ubuf: interleaved or planar samples with a
// rate, channel count and sample size (spec §3). Planar mode allocates one
// shared region per channel; interleaved mode allocates a single region.
type Sound struct {
	allocator  umem.Allocator
	rate       uint32
	channels   uint8
	sampleSize uint8 // bytes per sample
	planar     bool
	samples    int
	regions    []*shared // len 1 if interleaved, len channels if planar
	mapped     int32
}

// AllocSound allocates storage for `samples` frames.
func AllocSound(allocator umem.Allocator, rate uint32, channels, sampleSize uint8, planar bool, samples int) (*Sound, error) {
	if channels == 0 || sampleSize == 0 || samples < 0 {
		return nil, uerror.NewInvalid("ubuf.sound.alloc", nil)
	}
	s := &Sound{allocator: allocator, rate: rate, channels: channels, sampleSize: sampleSize, planar: planar, samples: samples}
	n := 1
	perRegion := samples * int(sampleSize) * int(channels)
	if planar {
		n = int(channels)
		perRegion = samples * int(sampleSize)
	}
	for i := 0; i < n; i++ {
		mem, err := allocator.Alloc(perRegion)
		if err != nil {
			s.Free()
			return nil, uerror.NewAlloc("ubuf.sound.alloc", err)
		}
		s.regions = append(s.regions, newShared(mem))
	}
	return s, nil
}

func (s *Sound) Rate() uint32      { return s.rate }
func (s *Sound) Channels() uint8   { return s.channels }
func (s *Sound) Samples() int      { return s.samples }
func (s *Sound) Planar() bool      { return s.planar }
func (s *Sound) SampleSize() uint8 { return s.sampleSize }

// Map returns the backing buffer for the given channel (ignored when
// interleaved — always region 0). Pairs with Unmap.
func (s *Sound) Map(channel int, writable bool) ([]byte, error) {
	idx := 0
	if s.planar {
		if channel < 0 || channel >= len(s.regions) {
			return nil, uerror.NewInvalid("ubuf.sound.map", fmt.Errorf("channel %d out of range", channel))
		}
		idx = channel
	}
	r := s.regions[idx]
	if writable && !r.writable() {
		return nil, uerror.NewBusy("ubuf.sound.map", fmt.Errorf("region shared (refs=%d)", r.refCount()))
	}
	atomic.AddInt32(&s.mapped, 1)
	return r.mem.Buffer(), nil
}

// Unmap balances a prior Map call.
func (s *Sound) Unmap() {
	if atomic.AddInt32(&s.mapped, -1) < 0 {
		panic("ubuf: unbalanced Unmap on sound buffer")
	}
}

// Dup shares every region's backing storage.
func (s *Sound) Dup() *Sound {
	ns := &Sound{allocator: s.allocator, rate: s.rate, channels: s.channels, sampleSize: s.sampleSize, planar: s.planar, samples: s.samples}
	for _, r := range s.regions {
		ns.regions = append(ns.regions, r.use())
	}
	return ns
}

// Free releases every region. Panics if a map is still outstanding.
func (s *Sound) Free() {
	if atomic.LoadInt32(&s.mapped) != 0 {
		panic("ubuf: freeing sound buffer with outstanding map")
	}
	for _, r := range s.regions {
		r.release()
	}
	s.regions = nil
}
