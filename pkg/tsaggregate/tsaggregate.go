// Package tsaggregate packs 188-byte TS packets (possibly interleaved from
// several tsencaps pipes via a merging upstream) into MTU-sized aggregates,
// at one of three output rates: VBR (emit when full), CBR (emit exactly one
// aggregate per interval, padding underflow with NULL-PID packets), and
// capped-VBR (CBR cadence but skip a padding emission when the next input
// would still make the following deadline).
//
// Grounded on lib/upipe-ts/upipe_ts_aggregate.c's next_cr_sys/interval
// scheduling (try-shift-forward-while-next-input-still-fits, else pad) and,
// for implementation idiom, on internal/bufpool.Pool's size-classed buffer
// reuse (MTU-sized output allocation) and media_logger.go's one-log-line-
// per-emission-event shape for the dropped/padded packet count.
package tsaggregate

import (
	"math"

	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/uclock"
	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/umem"
	"github.com/alxayo/upipe-go/pkg/uprobe"
)

const (
	packetSize = 188
	nullPID    = 0x1FFF
)

// Mode selects the aggregator's output-rate discipline.
type Mode int

const (
	VBR Mode = iota
	CBR
	CappedVBR
)

// noDeadline is the sentinel spec.md §4.J uses for "no CBR/capped-VBR
// deadline pending" (VBR mode, or before the first packet arrives).
const noDeadline = math.MaxUint64

// Aggregator holds one output MTU's worth of pending TS packets and the
// rate-shaping state machine described in spec.md §4.J.
type Aggregator struct {
	mode      Mode
	mtu       int // bytes, a multiple of packetSize
	octetRate uint64
	interval  uint64 // mtu*Freq/octetRate ticks, CBR/CappedVBR only
	alloc     umem.Allocator
	probe     *uprobe.Probe

	pending     [][]byte
	pendingSize int

	nextCrSys  uint64
	paddedRun  int // NULL-PID packets inserted in the aggregate about to be built
	totalPad   int
}

// Name implements uprobe.Pipe so the aggregator can throw log events about
// itself without being wrapped in a upipe.Pipe.
func (a *Aggregator) Name() string { return "tsaggregate" }

// New creates an Aggregator. mtuPackets is the number of 188-byte packets
// per output aggregate (N in spec.md's "N×188 bytes"). octetRate is
// required (and must be nonzero) for CBR and CappedVBR; VBR ignores it.
func New(mode Mode, mtuPackets int, octetRate uint64, alloc umem.Allocator, probe *uprobe.Probe) (*Aggregator, error) {
	if mtuPackets <= 0 {
		return nil, uerror.NewInvalid("tsaggregate.new.mtu", nil)
	}
	if mode != VBR && octetRate == 0 {
		return nil, uerror.NewInvalid("tsaggregate.new.octet_rate", nil)
	}
	if alloc == nil {
		alloc = umem.NewSimpleAllocator()
	}
	a := &Aggregator{
		mode:      mode,
		mtu:       mtuPackets * packetSize,
		octetRate: octetRate,
		alloc:     alloc,
		probe:     probe,
		nextCrSys: noDeadline,
	}
	if mode != VBR {
		a.interval = uint64(a.mtu) * uclock.Freq / octetRate
	}
	return a, nil
}

// Push buffers one 188-byte TS packet. hasDtsSys/dtsSys seed the first
// CBR/CappedVBR deadline (spec.md: "next_cr_sys = dts_sys of first input"
// semantics, simplified to the caller supplying the packet's PES dts_sys
// when known). pkt is consumed (copied out and freed) regardless of
// outcome.
func (a *Aggregator) Push(pkt *ubuf.Block, dtsSys uint64, hasDtsSys bool) error {
	if pkt == nil {
		return uerror.NewInvalid("tsaggregate.push.nil", nil)
	}
	if pkt.Size() != packetSize {
		pkt.Free()
		return uerror.NewInvalid("tsaggregate.push.size", nil)
	}
	data, err := pkt.Read(0, packetSize)
	if err != nil {
		pkt.Free()
		return uerror.NewInvalid("tsaggregate.push.read", err)
	}
	buf := make([]byte, packetSize)
	copy(buf, data)
	pkt.Free()

	a.pending = append(a.pending, buf)
	a.pendingSize += packetSize

	if a.mode != VBR && a.nextCrSys == noDeadline && hasDtsSys {
		a.nextCrSys = dtsSys
	}
	return nil
}

// Pop attempts to emit one MTU-sized aggregate. nextInputDtsSys/
// haveNextInputDts let CappedVBR mode decide whether shifting the deadline
// one interval forward would still let upcoming input make it (in which
// case it delays instead of padding); VBR and CBR ignore them. Returns
// (nil, 0, false, nil) when nothing is ready to emit yet.
func (a *Aggregator) Pop(nowSys, nextInputDtsSys uint64, haveNextInputDts bool) (*ubuf.Block, uint64, bool, error) {
	switch a.mode {
	case VBR:
		if a.pendingSize < a.mtu {
			return nil, 0, false, nil
		}
		blk, err := a.emit(nowSys)
		return blk, nowSys, blk != nil, err

	case CBR:
		if a.nextCrSys == noDeadline || nowSys < a.nextCrSys {
			return nil, 0, false, nil
		}
		a.padTo(a.mtu)
		crSys := a.nextCrSys
		blk, err := a.emit(crSys)
		a.nextCrSys += a.interval
		return blk, crSys, blk != nil, err

	case CappedVBR:
		if a.pendingSize >= a.mtu {
			crSys := a.nextCrSys
			if crSys == noDeadline {
				crSys = nowSys
			}
			blk, err := a.emit(crSys)
			a.nextCrSys = crSys + a.interval
			return blk, crSys, blk != nil, err
		}
		if a.nextCrSys == noDeadline || nowSys < a.nextCrSys {
			return nil, 0, false, nil
		}
		if haveNextInputDts && nextInputDtsSys <= a.nextCrSys+a.interval {
			// Shifting the deadline one interval forward still lets the
			// next expected input land before it; skip this slot rather
			// than pad (spec.md §4.J capped-VBR).
			a.nextCrSys += a.interval
			return nil, 0, false, nil
		}
		a.padTo(a.mtu)
		crSys := a.nextCrSys
		blk, err := a.emit(crSys)
		a.nextCrSys = crSys + a.interval
		return blk, crSys, blk != nil, err
	}
	return nil, 0, false, uerror.NewUnhandled("tsaggregate.pop.mode", nil)
}

// PaddedCount returns the cumulative number of NULL-PID packets inserted
// across this aggregator's lifetime (CBR/CappedVBR underflow padding).
func (a *Aggregator) PaddedCount() int { return a.totalPad }

// padTo appends NULL-PID packets until pendingSize reaches target.
func (a *Aggregator) padTo(target int) {
	added := 0
	for a.pendingSize < target {
		a.pending = append(a.pending, nullPacket())
		a.pendingSize += packetSize
		added++
	}
	a.paddedRun = added
	a.totalPad += added
}

// emit takes the first mtu bytes' worth of pending packets, rewrites the
// PCR field of any packet that carries one to crSys (absorbing aggregation
// jitter per spec.md §4.J), and allocates the resulting aggregate as one
// ubuf.Block.
func (a *Aggregator) emit(crSys uint64) (*ubuf.Block, error) {
	n := a.mtu / packetSize
	if n > len(a.pending) {
		n = len(a.pending)
	}
	take := a.pending[:n]
	a.pending = a.pending[n:]
	a.pendingSize -= n * packetSize

	out := make([]byte, 0, n*packetSize)
	for _, pkt := range take {
		if hasPCR(pkt) {
			rewritten := make([]byte, packetSize)
			copy(rewritten, pkt)
			uclock.EncodePCR(rewritten[6:12], crSys)
			out = append(out, rewritten...)
		} else {
			out = append(out, pkt...)
		}
	}

	if a.paddedRun > 0 {
		_ = uprobe.ThrowLog(a.probe, a, uprobe.LogWarn, "tsaggregate: padded aggregate with NULL-PID packets")
		a.paddedRun = 0
	}

	blk, err := ubuf.AllocBlock(a.alloc, len(out))
	if err != nil {
		return nil, uerror.NewAlloc("tsaggregate.emit.alloc", err)
	}
	dst, err := blk.Write(0, len(out))
	if err != nil {
		blk.Free()
		return nil, uerror.NewAlloc("tsaggregate.emit.write", err)
	}
	copy(dst, out)
	return blk, nil
}

// hasPCR reports whether an adaptation-field PCR flag is set in a raw
// 188-byte TS packet.
func hasPCR(pkt []byte) bool {
	if len(pkt) < 6 {
		return false
	}
	afc := (pkt[3] >> 4) & 0x3
	if afc != 0x2 && afc != 0x3 {
		return false
	}
	if pkt[4] < 1 {
		return false
	}
	return pkt[5]&0x10 != 0
}

// nullPacket returns a stuffing TS packet on PID 0x1FFF: sync byte, NULL
// PID, payload-only adaptation field control, continuity counter 0 (not
// meaningful on the null PID), 0xFF-filled payload.
func nullPacket() []byte {
	p := make([]byte, packetSize)
	p[0] = 0x47
	p[1] = byte(nullPID >> 8 & 0x1F)
	p[2] = byte(nullPID & 0xFF)
	p[3] = 0x10
	for i := 4; i < packetSize; i++ {
		p[i] = 0xFF
	}
	return p
}
