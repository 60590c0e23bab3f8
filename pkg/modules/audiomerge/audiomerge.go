// Package audiomerge interleaves several single/multi-channel PCM sub-inputs
// into one multi-channel uref.Sound, provided every sub-input declares the
// same sample rate and sample format (channel count may vary per input and
// is what gets merged). Resolves spec.md §9's open question on mismatched
// channel counts by rejecting the mismatched sub-input's flow-def at
// attach time, as the spec itself recommends, rather than coercing or
// silently dropping channels.
//
// Grounded on lib/upipe-modules/upipe_audio_merge.c's per-sub-pipe
// flow-def matching (match_flowdefs: same format/rate, reject on mismatch)
// and channel_idx bookkeeping, generalized to Go's ubuf.Sound plane layout.
package audiomerge

import (
	"sort"

	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/udict"
	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/umem"
	"github.com/alxayo/upipe-go/pkg/uref"
)

// Format names the PCM parameters every sub-input must agree on: interleaved
// samples, sampleSize bytes wide, at a fixed rate (channel count is what
// varies and gets merged).
type Format struct {
	SampleRate uint32
	SampleSize uint8
}

// Output is anything the merger forwards its combined uref into.
type Output interface {
	Input(ref *uref.Ref) error
}

type subInput struct {
	channels int
}

// Merger combines named sub-inputs' channels into one multi-channel sound,
// one output uref per set of one buffered uref from every sub-input. The
// sub-inputs' dts_sys values are not compared; the output carries the
// dts_sys of the first sub-input in name order, if it has one.
type Merger struct {
	format  Format
	output  Output
	alloc   umem.Allocator
	mgr     *udict.Manager
	subs    map[string]subInput
	pending map[string]*uref.Ref
}

// New creates a Merger requiring every sub-input to match fmt. alloc backs
// the merged output sound buffer; mgr binds the merged uref's dict to the
// rest of the pipeline's shorthand-id table.
func New(fmt Format, alloc umem.Allocator, mgr *udict.Manager, out Output) *Merger {
	if alloc == nil {
		alloc = umem.NewSimpleAllocator()
	}
	return &Merger{format: fmt, output: out, alloc: alloc, mgr: mgr, subs: make(map[string]subInput), pending: make(map[string]*uref.Ref)}
}

// AddSub registers a sub-input under name with its PCM format and channel
// count. Returns Invalid if fmt doesn't match the merger's declared format
// — spec.md §9's chosen policy: reject at flow-def-set time rather than
// attempt a lossy channel-count coercion.
func (m *Merger) AddSub(name string, fmt Format, channels int) error {
	if fmt != m.format {
		return uerror.NewInvalid("audiomerge.addsub.format_mismatch", nil)
	}
	if channels <= 0 {
		return uerror.NewInvalid("audiomerge.addsub.channels", nil)
	}
	m.subs[name] = subInput{channels: channels}
	return nil
}

// RemoveSub unregisters a sub-input; any pending uref buffered for it is
// freed unmerged.
func (m *Merger) RemoveSub(name string) {
	if ref, ok := m.pending[name]; ok {
		ref.Free()
		delete(m.pending, name)
	}
	delete(m.subs, name)
}

// InputFrom buffers one uref from sub-input name. Once every registered
// sub-input has a buffered uref, they are merged (interleaved in ascending
// sub-input name order, whatever the registration order) and forwarded
// downstream.
func (m *Merger) InputFrom(name string, ref *uref.Ref) error {
	if _, ok := m.subs[name]; !ok {
		ref.Free()
		return uerror.NewInvalid("audiomerge.inputfrom.unknown_sub", nil)
	}
	if prev, ok := m.pending[name]; ok {
		prev.Free()
	}
	m.pending[name] = ref

	if len(m.pending) < len(m.subs) {
		return nil
	}
	return m.flush()
}

// flush merges the buffered per-sub urefs (requires interleaved ref.Sound
// payloads of matching frame count) into one output uref and forwards it.
// Sub-inputs are interleaved in ascending name order so the resulting
// channel layout is deterministic call to call.
func (m *Merger) flush() error {
	names := make([]string, 0, len(m.subs))
	for name := range m.subs {
		names = append(names, name)
	}
	sort.Strings(names)

	var firstDtsSys uint64
	var haveDts bool
	totalChannels := 0
	samples := -1
	for _, name := range names {
		ref := m.pending[name]
		if ref.Sound == nil || ref.Sound.Planar() {
			m.clearPending()
			return uerror.NewInvalid("audiomerge.flush.not_interleaved", nil)
		}
		if samples == -1 {
			samples = ref.Sound.Samples()
			if dtsSys, err := ref.GetDtsSys(); err == nil {
				firstDtsSys, haveDts = dtsSys, true
			}
		} else if ref.Sound.Samples() != samples {
			m.clearPending()
			return uerror.NewInvalid("audiomerge.flush.frame_mismatch", nil)
		}
		totalChannels += m.subs[name].channels
	}

	merged, err := ubuf.AllocSound(m.alloc, m.format.SampleRate, uint8(totalChannels), m.format.SampleSize, false, samples)
	if err != nil {
		m.clearPending()
		return err
	}
	dst, err := merged.Map(0, true)
	if err != nil {
		merged.Free()
		m.clearPending()
		return err
	}

	frameSize := int(m.format.SampleSize)
	destChannel := 0
	for _, name := range names {
		ref := m.pending[name]
		ch := m.subs[name].channels
		src, err := ref.Sound.Map(0, false)
		if err != nil {
			ref.Sound.Unmap()
			merged.Unmap()
			merged.Free()
			m.clearPending()
			return err
		}
		srcStride := ch * frameSize
		dstStride := totalChannels * frameSize
		for frame := 0; frame < samples; frame++ {
			copy(dst[frame*dstStride+destChannel*frameSize:], src[frame*srcStride:frame*srcStride+srcStride])
		}
		ref.Sound.Unmap()
		destChannel += ch
	}
	merged.Unmap()
	m.clearPending()

	out := uref.Alloc(m.mgr)
	out.AttachSound(merged)
	if haveDts {
		out.SetDtsSys(firstDtsSys)
	}
	if m.output == nil {
		out.Free()
		return uerror.NewUnhandled("audiomerge.flush.no_output", nil)
	}
	return m.output.Input(out)
}

func (m *Merger) clearPending() {
	for name, ref := range m.pending {
		if ref != nil {
			ref.Free()
		}
		delete(m.pending, name)
	}
}
