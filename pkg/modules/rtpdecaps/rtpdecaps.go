// Package rtpdecaps implements an external-collaborator pipe that
// unmarshals RFC 3550 RTP packets into urefs: H.264 access units
// (single-NAL, FU-A fragmented, and STAP-A aggregated, RFC 6184) or one
// audio access unit per packet (RFC 3640-style "one AU per RTP packet").
// It also consumes the companion RTCP sender reports to anchor the RTP
// timestamp's tick rate onto the pipeline's 27MHz cr_sys clock, recovering
// a PCR/PTS-equivalent reference from that wire clock.
//
// Grounded on lib/upipe-modules/upipe_rtp_demux.c for the per-payload-type
// demultiplexing shape, and on a byte-oriented fragment-reassembly pattern
// (accumulate fragments under a framing rule, emit one logical message once
// complete) generalized to FU-A fragmentation headers.
package rtpdecaps

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/alxayo/upipe-go/pkg/uclock"
	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/udict"
	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/umem"
	"github.com/alxayo/upipe-go/pkg/uref"
)

// Kind selects the depacketization rule applied to each RTP payload.
type Kind int

const (
	KindH264 Kind = iota
	KindAudio
)

const (
	nalTypeSTAPA = 24
	nalTypeFUA   = 28
)

// Config names the static per-source parameters a SDP/flow-def negotiation
// would otherwise supply.
type Config struct {
	Kind      Kind
	ClockRate uint32 // RTP timestamp tick rate, e.g. 90000 (video) or 48000 (audio)
}

// Decaps turns a stream of raw RTP/RTCP datagrams for one SSRC into urefs.
type Decaps struct {
	cfg   Config
	mgr   *udict.Manager
	alloc umem.Allocator

	fu struct {
		active bool
		nalType byte
		buf    []byte
	}

	haveClockBase bool
	baseRTPTs     uint32
	baseCrSys     uint64
}

// New creates a Decaps for one RTP media source.
func New(cfg Config, mgr *udict.Manager, alloc umem.Allocator) (*Decaps, error) {
	if cfg.ClockRate == 0 {
		return nil, uerror.NewInvalid("rtpdecaps.new.clock_rate", nil)
	}
	if alloc == nil {
		alloc = umem.NewSimpleAllocator()
	}
	return &Decaps{cfg: cfg, mgr: mgr, alloc: alloc}, nil
}

// Name implements uprobe.Pipe.
func (d *Decaps) Name() string { return "rtpdecaps" }

// InputRTCP feeds one raw RTCP compound packet. Sender reports anchor the
// RTP timestamp clock onto cr_sys; anything else is ignored.
func (d *Decaps) InputRTCP(raw []byte) error {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		return uerror.NewInvalid("rtpdecaps.rtcp.unmarshal", err)
	}
	for _, p := range pkts {
		sr, ok := p.(*rtcp.SenderReport)
		if !ok {
			continue
		}
		ntpSeconds := sr.NTPTime >> 32
		ntpFrac := sr.NTPTime & 0xFFFFFFFF
		d.baseCrSys = ntpSeconds*uclock.Freq + (ntpFrac*uclock.Freq)>>32
		d.baseRTPTs = sr.RTPTime
		d.haveClockBase = true
	}
	return nil
}

// Input feeds one raw RTP packet and returns zero or more urefs (zero for
// an FU-A fragment that is not yet complete, more than one for a STAP-A
// aggregate).
func (d *Decaps) Input(raw []byte) ([]*uref.Ref, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, uerror.NewInvalid("rtpdecaps.rtp.unmarshal", err)
	}

	var nals [][]byte
	var err error
	switch d.cfg.Kind {
	case KindH264:
		nals, err = d.depacketizeH264(pkt.Payload)
	case KindAudio:
		nals = [][]byte{pkt.Payload}
	default:
		err = uerror.NewUnhandled("rtpdecaps.input.kind", nil)
	}
	if err != nil {
		return nil, err
	}

	refs := make([]*uref.Ref, 0, len(nals))
	for _, nal := range nals {
		ref, err := d.buildRef(nal, pkt.Timestamp, pkt.Marker)
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// depacketizeH264 applies RFC 6184 single-NAL/STAP-A/FU-A rules, returning
// zero or more complete Annex-B NAL units (start code prepended).
func (d *Decaps) depacketizeH264(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, uerror.NewInvalid("rtpdecaps.h264.empty", nil)
	}
	nalType := payload[0] & 0x1F

	switch {
	case nalType >= 1 && nalType <= 23:
		return [][]byte{withStartCode(payload)}, nil

	case nalType == nalTypeSTAPA:
		var out [][]byte
		buf := payload[1:]
		for len(buf) >= 2 {
			size := int(buf[0])<<8 | int(buf[1])
			buf = buf[2:]
			if size > len(buf) {
				return out, uerror.NewInvalid("rtpdecaps.h264.stapa_overrun", nil)
			}
			out = append(out, withStartCode(buf[:size]))
			buf = buf[size:]
		}
		return out, nil

	case nalType == nalTypeFUA:
		if len(payload) < 2 {
			return nil, uerror.NewInvalid("rtpdecaps.h264.fua_short", nil)
		}
		fuHeader := payload[1]
		start := fuHeader&0x80 != 0
		end := fuHeader&0x40 != 0
		origType := fuHeader & 0x1F

		if start {
			d.fu.active = true
			d.fu.nalType = (payload[0] & 0xE0) | origType
			d.fu.buf = append([]byte{}, payload[2:]...)
		} else if d.fu.active {
			d.fu.buf = append(d.fu.buf, payload[2:]...)
		} else {
			return nil, nil // mid-stream join, drop until the next start fragment
		}

		if end && d.fu.active {
			nal := append([]byte{d.fu.nalType}, d.fu.buf...)
			d.fu.active = false
			d.fu.buf = nil
			return [][]byte{withStartCode(nal)}, nil
		}
		return nil, nil

	default:
		return nil, uerror.NewUnhandled("rtpdecaps.h264.nal_type", nil)
	}
}

func withStartCode(nal []byte) []byte {
	out := make([]byte, 0, len(nal)+4)
	out = append(out, 0, 0, 0, 1)
	return append(out, nal...)
}

// buildRef allocates a ubuf.Block for data and attaches clock fields
// derived from the RTP timestamp and the RTCP clock base (when known).
func (d *Decaps) buildRef(data []byte, rtpTs uint32, marker bool) (*uref.Ref, error) {
	blk, err := ubuf.AllocBlock(d.alloc, len(data))
	if err != nil {
		return nil, uerror.NewAlloc("rtpdecaps.buildref.alloc", err)
	}
	dst, err := blk.Write(0, len(data))
	if err != nil {
		blk.Free()
		return nil, uerror.NewAlloc("rtpdecaps.buildref.write", err)
	}
	copy(dst, data)

	ref := uref.Alloc(d.mgr)
	ref.AttachBlock(blk)
	if crSys, ok := d.ptsFromRTPTimestamp(rtpTs); ok {
		ref.SetPtsSys(crSys)
		ref.SetDtsSys(crSys)
	}
	if marker {
		ref.Dict().SetBool("pic.key", marker)
	}
	return ref, nil
}

// ptsFromRTPTimestamp maps an RTP timestamp to cr_sys ticks using the most
// recent RTCP sender-report baseline, handling timestamp wraparound via
// signed 32-bit difference arithmetic.
func (d *Decaps) ptsFromRTPTimestamp(rtpTs uint32) (uint64, bool) {
	if !d.haveClockBase {
		return 0, false
	}
	delta := int32(rtpTs - d.baseRTPTs)
	deltaTicks := int64(delta) * int64(uclock.Freq) / int64(d.cfg.ClockRate)
	return uint64(int64(d.baseCrSys) + deltaTicks), true
}
