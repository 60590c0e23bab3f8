// Package psiinserter builds PAT/PMT table images and repeats them on a
// fixed interval, satisfying the muxctrl.Source contract so pkg/muxctrl can
// schedule it as a very-low-rate, highest-priority source (spec.md §4.K
// mentions PSI insertion only in passing; SPEC_FULL.md §9 makes it a
// concrete module).
//
// Grounded on lib/upipe-ts/upipe_ts_psi_inserter.c's default repetition
// interval (UCLOCK_FREQ/10) and on its "hold the latest table image,
// rewrite only the continuity counter on each repeat" design; table-section
// byte layout follows ISO 13818-1's PAT/PMT syntax (pointer_field, table_id,
// section_length, CRC32) rather than a library, since no MPEG-TS PSI
// encoder appears anywhere in the example pack.
package psiinserter

import (
	"hash/crc32"

	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/uclock"
	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/umem"
)

const (
	packetSize   = 188
	syncByte     = 0x47
	tableIDPAT   = 0x00
	tableIDPMT   = 0x02
	defaultInterval = uclock.Freq / 10
)

// ProgramStream names one elementary stream carried in the PMT.
type ProgramStream struct {
	PID        uint16
	StreamType uint8 // e.g. 0x1B (H.264), 0x0F (AAC)
}

// Config describes the single program this inserter advertises.
type Config struct {
	PAT_PID     uint16 // conventionally 0
	PMT_PID     uint16
	ProgramNum  uint16
	PCR_PID     uint16
	Streams     []ProgramStream
	Interval    uint64 // repetition period in 27MHz ticks; 0 = defaultInterval
}

// Inserter holds the current PAT+PMT table image and repetition state.
type Inserter struct {
	cfg      Config
	alloc    umem.Allocator
	interval uint64

	pat []byte
	pmt []byte

	nextDtsSys uint64
	next       int // 0 = PAT due next, 1 = PMT due next
	ccPAT      uint8
	ccPMT      uint8
	started    bool
}

// New builds the PAT/PMT table images from cfg and returns an Inserter
// ready to be registered with pkg/muxctrl.
func New(cfg Config, alloc umem.Allocator) (*Inserter, error) {
	if cfg.PMT_PID == 0 || cfg.PMT_PID == cfg.PAT_PID {
		return nil, uerror.NewInvalid("psiinserter.new.pmt_pid", nil)
	}
	if len(cfg.Streams) == 0 {
		return nil, uerror.NewInvalid("psiinserter.new.no_streams", nil)
	}
	if alloc == nil {
		alloc = umem.NewSimpleAllocator()
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	ins := &Inserter{cfg: cfg, alloc: alloc, interval: interval}
	ins.pat = buildPAT(cfg.ProgramNum, cfg.PMT_PID)
	ins.pmt = buildPMT(cfg.ProgramNum, cfg.PCR_PID, cfg.Streams)
	return ins, nil
}

// Name implements uprobe.Pipe.
func (ins *Inserter) Name() string { return "psiinserter" }

// NextDtsSys reports when the next table repeat is due. Before the first
// Splice it is always due immediately (so a fresh mux starts with a PAT).
func (ins *Inserter) NextDtsSys() uint64 {
	if !ins.started {
		return 0
	}
	return ins.nextDtsSys
}

// Ready is always true: a table insertion is always available, it is only
// a question of timing, unlike an elementary stream that may run dry.
func (ins *Inserter) Ready() bool { return true }

// Splice returns one 188-byte TS packet carrying the PAT or PMT (whichever
// is due), alternating on successive calls and rescheduling the other one
// for the same deadline plus interval.
func (ins *Inserter) Splice(muxSysTime uint64) (*ubuf.Block, uint64, error) {
	var section []byte
	var pid uint16
	var cc *uint8
	if ins.next == 0 {
		section, pid, cc = ins.pat, ins.cfg.PAT_PID, &ins.ccPAT
	} else {
		section, pid, cc = ins.pmt, ins.cfg.PMT_PID, &ins.ccPMT
	}
	ins.next = 1 - ins.next
	ins.started = true
	ins.nextDtsSys = muxSysTime + ins.interval

	pkt := make([]byte, packetSize)
	pkt[0] = syncByte
	pkt[1] = 0x40 | byte(pid>>8&0x1F) // payload_unit_start_indicator
	pkt[2] = byte(pid & 0xFF)
	pkt[3] = 0x10 | (*cc & 0x0F) // payload-only, no scrambling
	*cc = (*cc + 1) & 0x0F

	payload := append([]byte{0x00}, section...) // pointer_field = 0
	n := copy(pkt[4:], payload)
	for i := 4 + n; i < packetSize; i++ {
		pkt[i] = 0xFF
	}

	blk, err := ubuf.AllocBlock(ins.alloc, packetSize)
	if err != nil {
		return nil, 0, uerror.NewAlloc("psiinserter.splice.alloc", err)
	}
	dst, err := blk.Write(0, packetSize)
	if err != nil {
		blk.Free()
		return nil, 0, uerror.NewAlloc("psiinserter.splice.write", err)
	}
	copy(dst, pkt)
	return blk, muxSysTime, nil
}

// buildPAT encodes a single-program PAT section.
func buildPAT(programNum, pmtPID uint16) []byte {
	body := make([]byte, 0, 13)
	body = append(body, byte(tableIDPAT))
	// section_length placeholder, filled below
	body = append(body, 0, 0)
	body = append(body, 0, 1)           // transport_stream_id
	body = append(body, 0xC1)           // version=0, current_next=1
	body = append(body, 0, 0)           // section_number, last_section_number
	body = append(body, byte(programNum>>8), byte(programNum))
	body = append(body, byte(0xE0|pmtPID>>8), byte(pmtPID))

	sectionLen := len(body) - 3 + 4 // everything after section_length, plus CRC32
	body[1] = 0xB0 | byte(sectionLen>>8&0x0F)
	body[2] = byte(sectionLen)

	crc := crc32.ChecksumIEEE(body)
	body = append(body, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	return body
}

// buildPMT encodes a single-program PMT section listing streams.
func buildPMT(programNum, pcrPID uint16, streams []ProgramStream) []byte {
	body := make([]byte, 0, 32)
	body = append(body, byte(tableIDPMT))
	body = append(body, 0, 0) // section_length placeholder
	body = append(body, byte(programNum>>8), byte(programNum))
	body = append(body, 0xC1) // version=0, current_next=1
	body = append(body, 0, 0) // section_number, last_section_number
	body = append(body, byte(0xE0|pcrPID>>8), byte(pcrPID))
	body = append(body, 0xF0, 0) // program_info_length = 0

	for _, s := range streams {
		body = append(body, s.StreamType)
		body = append(body, byte(0xE0|s.PID>>8), byte(s.PID))
		body = append(body, 0xF0, 0) // ES_info_length = 0
	}

	sectionLen := len(body) - 3 + 4
	body[1] = 0xB0 | byte(sectionLen>>8&0x0F)
	body[2] = byte(sectionLen)

	crc := crc32.ChecksumIEEE(body)
	body = append(body, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	return body
}
