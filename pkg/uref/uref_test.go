package uref

import (
	"testing"

	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/udict"
	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/umem"
)

func TestAllocHasEmptyDictAndNoPayload(t *testing.T) {
	mgr := udict.NewManager()
	r := Alloc(mgr)
	if r.Dict() == nil {
		t.Fatalf("expected non-nil dict")
	}
	if r.Block != nil || r.Picture != nil || r.Sound != nil || r.Void != nil {
		t.Fatalf("expected no payload attached on fresh alloc")
	}
}

func TestClockGetBeforeSetIsInvalid(t *testing.T) {
	r := Alloc(udict.NewManager())
	if _, err := r.GetPtsSys(); !uerror.Is(err, uerror.Invalid) {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestClockSetGetRoundTrip(t *testing.T) {
	r := Alloc(udict.NewManager())
	r.SetPtsSys(12345)
	v, err := r.GetPtsSys()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 12345 {
		t.Fatalf("expected 12345, got %d", v)
	}
}

func TestDerivePtsSysFromDtsAndDelay(t *testing.T) {
	r := Alloc(udict.NewManager())
	r.SetDtsSys(1000)
	r.SetDtsPTSDelay(200)
	v, err := r.DerivePtsSys()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1200 {
		t.Fatalf("expected 1200, got %d", v)
	}
}

func TestDerivePtsSysInsufficientFieldsIsInvalid(t *testing.T) {
	r := Alloc(udict.NewManager())
	if _, err := r.DerivePtsSys(); !uerror.Is(err, uerror.Invalid) {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestDeriveDtsSysFromPtsAndDelay(t *testing.T) {
	r := Alloc(udict.NewManager())
	r.SetPtsSys(1200)
	r.SetDtsPTSDelay(200)
	v, err := r.DeriveDtsSys()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1000 {
		t.Fatalf("expected 1000, got %d", v)
	}
}

func TestDupSharesBlockAndForksDict(t *testing.T) {
	mgr := udict.NewManager()
	r := Alloc(mgr)
	r.Dict().SetString("flow.def", "block.")
	r.SetPtsSys(42)

	b, err := ubuf.AllocBlock(umem.NewSimpleAllocator(), 8)
	if err != nil {
		t.Fatalf("alloc block failed: %v", err)
	}
	r.AttachBlock(b)

	dup := r.Dup()
	defer r.Free()
	defer dup.Free()

	if dup.Block == nil {
		t.Fatalf("expected dup to carry a block")
	}
	pts, err := dup.GetPtsSys()
	if err != nil || pts != 42 {
		t.Fatalf("expected pts_sys 42 on dup, got %d, %v", pts, err)
	}

	dup.Dict().SetString("flow.def", "sound.")
	orig, _ := r.Dict().GetString("flow.def")
	if orig != "block." {
		t.Fatalf("expected original dict unaffected by dup mutation, got %q", orig)
	}

	// Block storage is shared: writing on either side while both are alive
	// must fail busy.
	if _, err := r.Block.Write(0, r.Block.Size()); !uerror.Is(err, uerror.Busy) {
		t.Fatalf("expected Busy on shared block write, got %v", err)
	}
}

func TestAttachDetachReplacesPayload(t *testing.T) {
	r := Alloc(udict.NewManager())
	b1, _ := ubuf.AllocBlock(umem.NewSimpleAllocator(), 4)
	r.AttachBlock(b1)
	if r.Block == nil {
		t.Fatalf("expected block attached")
	}
	v := ubuf.NewVoid()
	r.AttachVoid(v)
	if r.Block != nil {
		t.Fatalf("expected previous block detached when attaching void")
	}
	if r.Void == nil {
		t.Fatalf("expected void attached")
	}
	r.Free()
}
