package rtcpstats

import "testing"

func TestNoLossOnContiguousSequence(t *testing.T) {
	tr := New(0x1234)
	for i := uint16(100); i < 110; i++ {
		tr.Observe(i)
	}
	if tr.Lost() != 0 {
		t.Fatalf("expected no loss on contiguous sequence, got %d", tr.Lost())
	}
}

func TestGapCountsAsLoss(t *testing.T) {
	tr := New(0x1234)
	tr.Observe(100)
	tr.Observe(101)
	tr.Observe(105) // 3 packets dropped: 102, 103, 104
	if got := tr.Lost(); got != 3 {
		t.Fatalf("expected 3 lost packets, got %d", got)
	}
}

func TestReceiverReportReflectsSSRC(t *testing.T) {
	tr := New(0xABCD)
	tr.Observe(1)
	tr.Observe(2)
	rr := tr.ReceiverReport()
	if rr.SSRC != 0xABCD {
		t.Fatalf("expected SSRC 0xABCD, got 0x%X", rr.SSRC)
	}
}

func TestSequenceWrapDoesNotInflateLoss(t *testing.T) {
	tr := New(1)
	tr.Observe(0xFFFE)
	tr.Observe(0xFFFF)
	tr.Observe(0x0000)
	tr.Observe(0x0001)
	if got := tr.Lost(); got != 0 {
		t.Fatalf("expected no loss across a sequence-number wrap, got %d", got)
	}
}
