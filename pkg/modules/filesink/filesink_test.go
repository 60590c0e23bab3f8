package filesink

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/udict"
	"github.com/alxayo/upipe-go/pkg/umem"
	"github.com/alxayo/upipe-go/pkg/uref"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func blockRef(t *testing.T, mgr *udict.Manager, alloc umem.Allocator, data []byte, dtsSys uint64) *uref.Ref {
	t.Helper()
	blk, err := ubuf.AllocBlock(alloc, len(data))
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	dst, _ := blk.Write(0, len(data))
	copy(dst, data)
	ref := uref.Alloc(mgr)
	ref.AttachBlock(blk)
	ref.SetDtsSys(dtsSys)
	return ref
}

func TestWritesMagicAndRecord(t *testing.T) {
	mgr := udict.NewManager()
	alloc := umem.NewSimpleAllocator()
	buf := &bytes.Buffer{}
	sink := newWithWriter(buf, nopCloser{buf}, false, slog.New(slog.DiscardHandler))

	ref := blockRef(t, mgr, alloc, []byte("hello"), 42)
	if err := sink.Input(ref); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if sink.Disabled() {
		t.Fatalf("expected sink to remain enabled after a successful write")
	}

	out := buf.Bytes()
	if !bytes.Equal(out[:4], recordMagic[:]) {
		t.Fatalf("expected magic header, got % X", out[:4])
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestDisablesOnWriteError(t *testing.T) {
	mgr := udict.NewManager()
	alloc := umem.NewSimpleAllocator()
	sink := newWithWriter(failingWriter{}, nil, false, slog.New(slog.DiscardHandler))
	if !sink.Disabled() {
		t.Fatalf("expected the sink to be disabled immediately since even the header write fails")
	}

	ref := blockRef(t, mgr, alloc, []byte("x"), 1)
	if err := sink.Input(ref); err != nil {
		t.Fatalf("Input on a disabled sink should no-op, not error: %v", err)
	}
}
