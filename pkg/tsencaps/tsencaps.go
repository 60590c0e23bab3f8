// Package tsencaps packetizes a single elementary stream of blocks into
// 188-byte MPEG-TS packets: PES assembly, continuity counters, PCR
// insertion, adaptation-field padding, and PSI pointer_field framing.
//
// Grounded structurally on a stateful per-stream framer that carries an
// explicit small state machine and a scratch buffer across calls (the same
// per-channel reassembly-state shape used for chunked wire framing), and on
// fixed-width big-endian struct-to-bytes field packing for the PES header
// and adaptation field layout.
package tsencaps

import (
	"encoding/binary"

	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/uclock"
	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/umem"
	"github.com/alxayo/upipe-go/pkg/uref"
)

const (
	packetSize     = 188
	syncByte       = 0x47
	nullPID        = 0x1FFF
	privateStream2 = 0xBF
)

// FlowDef carries the mandatory and optional fields a single elementary
// stream needs encapsulated.
type FlowDef struct {
	OctetRate      uint64
	TBRate         uint64
	PID            uint16
	PESStreamID    uint8
	Alignment      bool
	MinPESDuration uint64
	IsPCR          bool
	IsPSI          bool
}

func (f FlowDef) validate() error {
	if f.OctetRate == 0 {
		return uerror.NewInvalid("tsencaps.flowdef.octet_rate", nil)
	}
	if !f.IsPSI && f.PESStreamID == 0 {
		return uerror.NewInvalid("tsencaps.flowdef.pes_stream_id", nil)
	}
	return nil
}

// pesUnit is one assembled PES (header + elementary payload), partially or
// fully consumed across successive Splice calls.
type pesUnit struct {
	data          []byte
	offset        int
	randomAccess  bool
	discontinuity bool
	isPSI         bool
	hasDtsSys     bool
	dtsSys        uint64
}

func (u *pesUnit) remaining() int { return len(u.data) - u.offset }

// Encaps holds the packetization state for one elementary stream PID.
type Encaps struct {
	flow  FlowDef
	alloc umem.Allocator

	curHasAccum   bool
	curData       []byte
	curDuration   uint64
	curPTS        *uint64
	curDTS        *uint64
	curRandom     bool
	curDisco      bool
	curHasDtsSys  bool
	curDtsSys     uint64

	units []*pesUnit

	cc uint8

	pcrPeriod     uint64
	lastMuxTime   uint64
	nextPcrSys    uint64
	nextDtsSys    uint64
	nextCrSys     uint64
	ready         bool
	droppedLate   int
}

// New validates flow and creates an Encaps bound to alloc for output-packet
// allocation.
func New(flow FlowDef, alloc umem.Allocator) (*Encaps, error) {
	if err := flow.validate(); err != nil {
		return nil, err
	}
	if alloc == nil {
		alloc = umem.NewSimpleAllocator()
	}
	e := &Encaps{flow: flow, alloc: alloc, pcrPeriod: uclock.Freq / 10}
	e.recomputeDeadlines()
	return e, nil
}

// SetFlowDef revalidates and replaces the flow definition. Existing
// in-flight PES state is unaffected.
func (e *Encaps) SetFlowDef(flow FlowDef) error {
	if err := flow.validate(); err != nil {
		return err
	}
	e.flow = flow
	return nil
}

// SetInitialCC seeds the continuity counter, e.g. after a simulated
// restart that must continue a previously observed sequence.
func (e *Encaps) SetInitialCC(v uint8) { e.cc = v & 0xF }

// SetPCRPeriod overrides the PCR insertion interval in Freq ticks.
func (e *Encaps) SetPCRPeriod(period uint64) {
	if period > 0 {
		e.pcrPeriod = period
	}
}

// LastCC returns the continuity counter value of the last payload-bearing
// packet emitted, i.e. the value after its increment, not a pre-increment
// peek.
func (e *Encaps) LastCC() uint8 { return e.cc }

// NextCrSys, NextDtsSys, NextPcrSys and Ready report this pipe's current
// scheduling state, recomputed after every Input/Splice call so a mux
// scheduler can decide whom to pull next.
func (e *Encaps) NextCrSys() uint64  { return e.nextCrSys }
func (e *Encaps) NextDtsSys() uint64 { return e.nextDtsSys }
func (e *Encaps) NextPcrSys() uint64 { return e.nextPcrSys }
func (e *Encaps) Ready() bool        { return e.ready }
func (e *Encaps) DroppedLate() int   { return e.droppedLate }

// Input accepts one uref of elementary-stream block data, assembling it
// into the PES-in-progress (or finalizing one) per the flow's alignment/
// min-PES-duration policy. Late input (dts_sys already behind the most
// recent Splice's mux_sys_time) is dropped, counted, and freed rather than
// returned as an error.
func (e *Encaps) Input(ref *uref.Ref) error {
	if ref.Block == nil {
		return uerror.NewInvalid("tsencaps.input.no_block", nil)
	}
	if e.lastMuxTime > 0 {
		if dts, err := ref.DeriveDtsSys(); err == nil && dts < e.lastMuxTime {
			e.droppedLate++
			ref.Free()
			e.recomputeDeadlines()
			return nil
		}
	}

	data, err := ref.Block.Read(0, ref.Block.Size())
	if err != nil {
		return uerror.NewAlloc("tsencaps.input.read", err)
	}

	isStartMarker := e.flow.IsPSI
	if !isStartMarker {
		if v, derr := ref.Dict().GetBool("block.start"); derr == nil {
			isStartMarker = v
		}
	}

	if e.flow.Alignment && isStartMarker && e.curHasAccum {
		e.finalizeCurrent()
	}

	if !e.curHasAccum {
		e.curHasAccum = true
		if pts, perr := ref.GetPtsSys(); perr == nil {
			v := pts
			e.curPTS = &v
		}
		if dts, derr := ref.GetDtsSys(); derr == nil {
			v := dts
			e.curDTS = &v
		}
		if v, derr := ref.Dict().GetBool("pic.key"); derr == nil {
			e.curRandom = v
		}
		if v, derr := ref.Dict().GetBool("block.discontinuity"); derr == nil {
			e.curDisco = v
		}
		if dts, derr := ref.DeriveDtsSys(); derr == nil {
			e.curHasDtsSys = true
			e.curDtsSys = dts
		}
	}

	e.curData = append(e.curData, data...)
	if dur, derr := ref.GetDuration(); derr == nil {
		e.curDuration += dur
	}
	ref.Free()

	switch {
	case e.flow.MinPESDuration > 0:
		if e.curDuration >= e.flow.MinPESDuration {
			e.finalizeCurrent()
		}
	default:
		e.finalizeCurrent()
	}

	e.recomputeDeadlines()
	return nil
}

func (e *Encaps) finalizeCurrent() {
	if !e.curHasAccum || len(e.curData) == 0 {
		e.curHasAccum = false
		return
	}
	header := buildPESHeader(e.flow.PESStreamID, e.curPTS, e.curDTS, e.flow.Alignment)
	full := make([]byte, 0, len(header)+len(e.curData))
	full = append(full, header...)
	full = append(full, e.curData...)
	pesPacketLength(full)

	u := &pesUnit{
		data:          full,
		randomAccess:  e.curRandom,
		discontinuity: e.curDisco,
		isPSI:         e.flow.IsPSI,
		hasDtsSys:     e.curHasDtsSys,
		dtsSys:        e.curDtsSys,
	}
	e.units = append(e.units, u)

	e.curHasAccum = false
	e.curData = nil
	e.curDuration = 0
	e.curPTS = nil
	e.curDTS = nil
	e.curRandom = false
	e.curDisco = false
	e.curHasDtsSys = false
	e.curDtsSys = 0
}

// Splice returns the next 188-byte TS packet and the dts_sys of the PES it
// belongs to, or Unhandled if nothing is ready.
func (e *Encaps) Splice(muxSysTime uint64) (*ubuf.Block, uint64, error) {
	e.lastMuxTime = muxSysTime

	if len(e.units) == 0 {
		e.recomputeDeadlines()
		return nil, 0, uerror.NewUnhandled("tsencaps.splice", nil)
	}
	u := e.units[0]
	wantsPCR := e.flow.IsPCR && muxSysTime >= e.nextPcrSys

	raw, hasPayload := e.buildPacket(u, muxSysTime, wantsPCR)

	if hasPayload {
		e.cc = (e.cc + 1) & 0xF
		raw.packet[3] = raw.packet[3]&0xF0 | e.cc
	}
	if wantsPCR {
		e.nextPcrSys = muxSysTime + e.pcrPeriod
	}

	u.offset += len(raw.taken)
	if u.remaining() <= 0 {
		e.units = e.units[1:]
	}

	blk, err := ubuf.AllocBlock(e.alloc, packetSize)
	if err != nil {
		return nil, 0, uerror.NewAlloc("tsencaps.splice.alloc", err)
	}
	dst, err := blk.Write(0, packetSize)
	if err != nil {
		blk.Free()
		return nil, 0, uerror.NewAlloc("tsencaps.splice.write", err)
	}
	copy(dst, raw.packet[:])

	dtsSys := u.dtsSys
	e.recomputeDeadlines()
	return blk, dtsSys, nil
}

type builtPacket struct {
	packet [packetSize]byte
	taken  []byte
}

func (e *Encaps) buildPacket(u *pesUnit, muxSysTime uint64, wantsPCR bool) (builtPacket, bool) {
	unitStart := u.offset == 0

	var pointer []byte
	if unitStart && u.isPSI {
		pointer = []byte{0x00}
	}

	afFlags := byte(0)
	if unitStart && u.discontinuity {
		afFlags |= 0x80
	}
	if unitStart && u.randomAccess {
		afFlags |= 0x40
	}
	if wantsPCR {
		afFlags |= 0x10
	}
	needAFForFlags := afFlags != 0

	avail := u.remaining()
	noAFCapacity := (packetSize - 4) - len(pointer)

	var take, stuffing, afContentLen int
	haveAF := needAFForFlags
	if !needAFForFlags && avail >= noAFCapacity {
		// Plain payload fills the packet exactly; no adaptation field
		// needed at all.
		take = noAFCapacity
	} else {
		// Adaptation field required either to carry PCR/random-access/
		// discontinuity flags or to stuff out a short final payload.
		// AF on-wire overhead before the payload is 1 (length field) +
		// 1 (flags byte) + 6 (PCR, if present); any unused capacity
		// beyond that is absorbed as stuffing bytes inside the field.
		pcrBytes := 0
		if wantsPCR {
			pcrBytes = 6
		}
		withAFCapacity := noAFCapacity - 1 - 1 - pcrBytes
		if withAFCapacity < 0 {
			withAFCapacity = 0
		}
		take = avail
		if take > withAFCapacity {
			take = withAFCapacity
		}
		stuffing = withAFCapacity - take
		afContentLen = 1 + pcrBytes + stuffing
		haveAF = true
	}

	takenBytes := u.data[u.offset : u.offset+take]
	payload := append(append([]byte{}, pointer...), takenBytes...)

	var bp builtPacket
	bp.taken = takenBytes

	bp.packet[0] = syncByte
	pidHi := byte((e.flow.PID >> 8) & 0x1F)
	if unitStart {
		pidHi |= 0x40
	}
	bp.packet[1] = pidHi
	bp.packet[2] = byte(e.flow.PID & 0xFF)

	hasPayload := len(payload) > 0
	afc := byte(0x01)
	if haveAF && hasPayload {
		afc = 0x03
	} else if haveAF && !hasPayload {
		afc = 0x02
	}
	bp.packet[3] = (afc << 4) | (e.cc & 0x0F)

	pos := 4
	if haveAF {
		bp.packet[pos] = byte(afContentLen)
		pos++
		bp.packet[pos] = afFlags
		pos++
		if wantsPCR {
			pcrTicks := muxSysTime
			encodePCR(bp.packet[pos:pos+6], pcrTicks)
			pos += 6
		}
		for i := 0; i < stuffing; i++ {
			bp.packet[pos] = 0xFF
			pos++
		}
	}
	copy(bp.packet[pos:], payload)

	return bp, hasPayload
}

func (e *Encaps) recomputeDeadlines() {
	if len(e.units) == 0 {
		e.ready = false
		return
	}
	u := e.units[0]
	e.ready = true
	e.nextCrSys = e.lastMuxTime
	if u.hasDtsSys {
		e.nextDtsSys = u.dtsSys
	} else {
		e.nextDtsSys = e.lastMuxTime
	}
}

// buildPESHeader encodes the PES start code, stream id, length, and (when
// streamID is not the private_2 id 0xBF) the PTS/DTS optional header
// extension.
func buildPESHeader(streamID uint8, pts, dts *uint64, alignment bool) []byte {
	if streamID == privateStream2 {
		var b [6]byte
		b[0], b[1], b[2] = 0x00, 0x00, 0x01
		b[3] = streamID
		return b[:]
	}

	flags1 := byte(0x80)
	if alignment {
		flags1 |= 0x04
	}
	var ptsDtsFlags byte
	var optional []byte
	switch {
	case pts != nil && dts != nil && *pts != *dts:
		ptsDtsFlags = 0xC0
		optional = encodePTSDTS90(0x3, uclock.To90kHz(*pts))
		optional = append(optional, encodePTSDTS90(0x1, uclock.To90kHz(*dts))...)
	case pts != nil:
		ptsDtsFlags = 0x80
		optional = encodePTSDTS90(0x2, uclock.To90kHz(*pts))
	}

	headerDataLen := byte(len(optional))
	b := make([]byte, 0, 9+len(optional))
	b = append(b, 0x00, 0x00, 0x01, streamID, 0x00, 0x00)
	b = append(b, flags1, ptsDtsFlags, headerDataLen)
	b = append(b, optional...)
	return b
}

// pesPacketLength fills the PES_packet_length field (bytes 4-5) once the
// rest of the PES (everything after those two length bytes) is known.
// Video streams routinely exceed the 16-bit field's range, in which case
// ISO 13818-1 permits leaving it zero to mean "unbounded".
func pesPacketLength(full []byte) {
	if len(full) < 6 {
		return
	}
	rest := len(full) - 6
	if rest > 0xFFFF {
		binary.BigEndian.PutUint16(full[4:6], 0)
		return
	}
	binary.BigEndian.PutUint16(full[4:6], uint16(rest))
}

// encodePTSDTS90 encodes a 33-bit 90kHz timestamp into the 5-byte marker-
// bit-interleaved PES layout, with markerNibble distinguishing PTS-only
// (0010), PTS-of-pair (0011), and DTS-of-pair (0001).
func encodePTSDTS90(markerNibble byte, ts90 uint64) []byte {
	ts90 &= 0x1FFFFFFFF
	var b [5]byte
	b[0] = (markerNibble << 4) | byte((ts90>>29)&0x0E) | 0x01
	b[1] = byte((ts90 >> 22) & 0xFF)
	b[2] = byte((ts90>>14)&0xFE) | 0x01
	b[3] = byte((ts90 >> 7) & 0xFF)
	b[4] = byte((ts90<<1)&0xFE) | 0x01
	return b[:]
}

// encodePCR writes the 48-bit adaptation-field PCR for ticks expressed in
// uclock.Freq units; see uclock.EncodePCR.
func encodePCR(dst []byte, ticks uint64) { uclock.EncodePCR(dst, ticks) }
