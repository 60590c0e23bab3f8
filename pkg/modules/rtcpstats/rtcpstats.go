// Package rtcpstats tracks per-SSRC RTP sequence-number gaps (spec.md §6
// "loss counts") and builds RFC 3550 §6.4.1 receiver reports from the
// running totals via github.com/pion/rtcp, the feedback half of the
// rtpdecaps/rtcpstats pairing described in SPEC_FULL.md §6.
//
// Grounded on RFC 3550 Appendix A.3's extended-highest-sequence-number and
// cumulative-loss algorithm, and on media_logger.go's one-counter-field-
// per-event style for exposing a running total to a probe/log sink.
package rtcpstats

import (
	"github.com/pion/rtcp"
)

// Tracker accumulates loss statistics for one RTP SSRC.
type Tracker struct {
	ssrc uint32

	haveSeq    bool
	baseSeq    uint16
	maxSeq     uint16
	cycles     uint32
	received   uint32
	lastReport struct {
		expected uint32
		received uint32
	}
}

// New creates a Tracker for the given synchronization source.
func New(ssrc uint32) *Tracker {
	return &Tracker{ssrc: ssrc}
}

// Observe records one arrived RTP sequence number, following RFC 3550
// Appendix A.1's signed 16-bit delta test to distinguish forward progress
// (possibly wrapping past 0xFFFF) from reordering/duplication.
func (t *Tracker) Observe(seq uint16) {
	t.received++
	if !t.haveSeq {
		t.haveSeq = true
		t.baseSeq = seq
		t.maxSeq = seq
		return
	}
	delta := int16(seq - t.maxSeq)
	if delta > 0 {
		if seq < t.maxSeq {
			t.cycles++
		}
		t.maxSeq = seq
	}
}

func extended(cycles uint32, seq uint16) uint32 {
	return cycles<<16 | uint32(seq)
}

// expectedTotal is the count of sequence numbers spanned from baseSeq to
// the current extended highest sequence number, inclusive.
func (t *Tracker) expectedTotal() uint32 {
	if !t.haveSeq {
		return 0
	}
	return extended(t.cycles, t.maxSeq) - uint32(t.baseSeq) + 1
}

// Lost returns the cumulative number of packets lost: expected minus
// actually received, floored at zero (duplicates can otherwise make this
// negative).
func (t *Tracker) Lost() uint32 {
	expected := t.expectedTotal()
	if expected < t.received {
		return 0
	}
	return expected - t.received
}

// ReceiverReport builds one RFC 3550 receiver-report block reflecting the
// totals observed since the last call, for a caller to fold into an
// outbound RTCP compound packet.
func (t *Tracker) ReceiverReport() rtcp.ReceptionReport {
	expected := t.expectedTotal()
	expectedInterval := expected - t.lastReport.expected
	receivedInterval := t.received - t.lastReport.received
	lostInterval := expectedInterval - receivedInterval

	var fraction uint8
	if expectedInterval > 0 && lostInterval > 0 {
		fraction = uint8((lostInterval << 8) / expectedInterval)
	}

	t.lastReport.expected = expected
	t.lastReport.received = t.received

	return rtcp.ReceptionReport{
		SSRC:               t.ssrc,
		FractionLost:       fraction,
		TotalLost:          t.Lost(),
		LastSequenceNumber: extended(t.cycles, t.maxSeq),
	}
}
