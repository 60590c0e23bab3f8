// Package uclock defines the single time base every clock field in uref,
// tsencaps, tsaggregate, and muxctrl is expressed in: a 27MHz tick count,
// matching the native resolution of the MPEG-TS program clock reference so
// PCR values need no rescaling on the way out, and letting PTS/DTS's
// 90kHz field scale down by an exact integer factor (300).
//
// Grounded on the fixed single-unit timestamp (milliseconds) the teacher's
// chunk.Message carries, generalized from one implicit unit to one named
// constant every package imports instead of assuming.
package uclock

import "time"

// Freq is the tick rate (Hz) of every clock field in this module:
// cr_sys, cr_prog, dts_sys, dts_prog, pts_sys, pts_prog, durations, delays.
const Freq uint64 = 27_000_000

// PCRBase extracts the 90kHz PCR base (33 bits) from a Freq-tick value.
func PCRBase(ticks uint64) uint64 { return (ticks / 300) & 0x1FFFFFFFF }

// PCRExtension extracts the 27MHz PCR extension (9 bits) from a Freq-tick
// value.
func PCRExtension(ticks uint64) uint16 { return uint16(ticks % 300) }

// FromPCR reassembles a Freq-tick value from a 33-bit base and 9-bit
// extension pair, the inverse of PCRBase/PCRExtension.
func FromPCR(base uint64, ext uint16) uint64 {
	return (base&0x1FFFFFFFF)*300 + uint64(ext&0x1FF)
}

// To90kHz rescales a Freq-tick value to the 90kHz units PES PTS/DTS fields
// use.
func To90kHz(ticks uint64) uint64 { return (ticks / 300) & 0x1FFFFFFFF }

// From90kHz rescales a 90kHz (PTS/DTS) value back up to Freq ticks.
func From90kHz(pts90 uint64) uint64 { return (pts90 & 0x1FFFFFFFF) * 300 }

// EncodePCR writes the 48-bit adaptation-field PCR (33-bit 90kHz base ×
// 300 + 9-bit 27MHz extension, six reserved bits set to 1) for a Freq-tick
// value into dst[0:6].
func EncodePCR(dst []byte, ticks uint64) {
	base := PCRBase(ticks)
	ext := PCRExtension(ticks)
	dst[0] = byte(base >> 25)
	dst[1] = byte(base >> 17)
	dst[2] = byte(base >> 9)
	dst[3] = byte(base >> 1)
	dst[4] = byte(base<<7) | 0x7E | byte(ext>>8)
	dst[5] = byte(ext)
}

// DecodePCR reassembles a Freq-tick value from a 48-bit adaptation-field
// PCR field at src[0:6], the inverse of EncodePCR.
func DecodePCR(src []byte) uint64 {
	base := uint64(src[0])<<25 | uint64(src[1])<<17 | uint64(src[2])<<9 | uint64(src[3])<<1 | uint64(src[4]>>7)
	ext := uint16(src[4]&0x01)<<8 | uint16(src[5])
	return FromPCR(base, ext)
}

// Now returns the current wall-clock time expressed in Freq ticks since the
// Unix epoch. Pipes needing a monotonic source for scheduling deadlines
// should prefer a upump timer's own notion of time; Now is for seeding a
// pipeline's initial cr_sys.
func Now() uint64 {
	now := time.Now()
	return uint64(now.Unix())*Freq + uint64(now.Nanosecond())*Freq/1_000_000_000
}
