package tsaggregate

import (
	"testing"

	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/uclock"
	"github.com/alxayo/upipe-go/pkg/umem"
)

func rawPacket(t *testing.T, alloc umem.Allocator, fill byte) *ubuf.Block {
	t.Helper()
	blk, err := ubuf.AllocBlock(alloc, packetSize)
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	dst, err := blk.Write(0, packetSize)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	dst[0] = 0x47
	for i := 1; i < packetSize; i++ {
		dst[i] = fill
	}
	return blk
}

func TestVBREmitsOnlyWhenFull(t *testing.T) {
	alloc := umem.NewSimpleAllocator()
	agg, err := New(VBR, 3, 0, alloc, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := agg.Push(rawPacket(t, alloc, 0xAA), 0, false); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if blk, _, ok, err := agg.Pop(100, 0, false); err != nil || ok || blk != nil {
		t.Fatalf("expected no emission with 2/3 packets, got ok=%v err=%v", ok, err)
	}
	if err := agg.Push(rawPacket(t, alloc, 0xAA), 0, false); err != nil {
		t.Fatalf("Push: %v", err)
	}
	blk, crSys, ok, err := agg.Pop(100, 0, false)
	if err != nil || !ok || blk == nil {
		t.Fatalf("expected emission once full, ok=%v err=%v", ok, err)
	}
	if blk.Size() != 3*packetSize {
		t.Fatalf("expected aggregate of %d bytes, got %d", 3*packetSize, blk.Size())
	}
	if crSys != 100 {
		t.Fatalf("expected crSys=100 (emission time), got %d", crSys)
	}
}

// TestCBRSpacing mirrors scenario S4: CBR, mtu = 7*188, octet-rate =
// 7*188 Hz (one aggregate per Freq ticks). Underflow is padded with
// NULL-PID packets rather than withheld.
func TestCBRSpacing(t *testing.T) {
	alloc := umem.NewSimpleAllocator()
	octetRate := uint64(7 * packetSize)
	agg, err := New(CBR, 7, octetRate, alloc, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Seed the first deadline via the first pushed packet's dts_sys.
	if err := agg.Push(rawPacket(t, alloc, 0xAA), 1000, true); err != nil {
		t.Fatalf("Push: %v", err)
	}
	blk, crSys1, ok, err := agg.Pop(1000, 0, false)
	if err != nil || !ok || blk == nil {
		t.Fatalf("expected emission at first deadline, ok=%v err=%v", ok, err)
	}
	if crSys1 != 1000 {
		t.Fatalf("expected crSys=1000, got %d", crSys1)
	}
	if agg.PaddedCount() == 0 {
		t.Fatalf("expected padding since only 1/7 packets were pushed")
	}
	// Next deadline is exactly one interval (uclock.Freq ticks) later.
	if agg.nextCrSys != crSys1+uclock.Freq {
		t.Fatalf("expected next deadline spaced by %d ticks, got %d", uclock.Freq, agg.nextCrSys-crSys1)
	}
	if blk, _, ok, _ := agg.Pop(crSys1+uclock.Freq-1, 0, false); ok || blk != nil {
		t.Fatalf("expected no emission before the next deadline")
	}
	blk2, crSys2, ok, err := agg.Pop(crSys1+uclock.Freq, 0, false)
	if err != nil || !ok || blk2 == nil {
		t.Fatalf("expected emission at second deadline, ok=%v err=%v", ok, err)
	}
	if crSys2 != crSys1+uclock.Freq {
		t.Fatalf("expected spacing of exactly one interval, got %d", crSys2-crSys1)
	}
}

func TestCappedVBRSkipsAheadInsteadOfPadding(t *testing.T) {
	alloc := umem.NewSimpleAllocator()
	octetRate := uint64(4 * packetSize)
	agg, err := New(CappedVBR, 4, octetRate, alloc, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := agg.Push(rawPacket(t, alloc, 0xBB), 0, true); err != nil {
		t.Fatalf("Push: %v", err)
	}
	before := agg.nextCrSys
	// Buffer isn't full and the next expected input still lands within one
	// more interval: should shift forward without padding.
	blk, _, ok, err := agg.Pop(before, before+2*uclock.Freq, true)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if ok || blk != nil {
		t.Fatalf("expected capped-VBR to defer rather than pad")
	}
	if agg.nextCrSys != before+uclock.Freq {
		t.Fatalf("expected deadline shifted by one interval, got %d", agg.nextCrSys-before)
	}
	if agg.PaddedCount() != 0 {
		t.Fatalf("expected no padding on the deferred slot")
	}
}

func TestPCRRewrittenAtEmission(t *testing.T) {
	alloc := umem.NewSimpleAllocator()
	agg, err := New(VBR, 1, 0, alloc, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	blk, err := ubuf.AllocBlock(alloc, packetSize)
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	dst, _ := blk.Write(0, packetSize)
	dst[0] = 0x47
	dst[3] = 0x20 // adaptation field only
	dst[4] = 7    // AF length: flags + 6-byte PCR
	dst[5] = 0x10 // PCR flag
	uclock.EncodePCR(dst[6:12], 12345)
	if err := agg.Push(blk, 0, false); err != nil {
		t.Fatalf("Push: %v", err)
	}
	out, _, ok, err := agg.Pop(999999, 0, false)
	if err != nil || !ok {
		t.Fatalf("expected emission, ok=%v err=%v", ok, err)
	}
	raw, err := out.Read(0, packetSize)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got := uclock.DecodePCR(raw[6:12])
	if got != 999999 {
		t.Fatalf("expected PCR rewritten to emission time 999999, got %d", got)
	}
}

func TestInvalidOctetRateRejected(t *testing.T) {
	if _, err := New(CBR, 7, 0, nil, nil); err == nil {
		t.Fatalf("expected New to reject zero octet-rate for CBR")
	}
}
