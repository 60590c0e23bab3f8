package xfer

import (
	"testing"
	"time"

	"github.com/alxayo/upipe-go/pkg/udict"
	"github.com/alxayo/upipe-go/pkg/upipe"
	"github.com/alxayo/upipe-go/pkg/upump"
	"github.com/alxayo/upipe-go/pkg/uprobe"
	"github.com/alxayo/upipe-go/pkg/uref"
)

type recordingHandler struct {
	received chan *uref.Ref
	flowDef  string
}

func (h *recordingHandler) Input(p *upipe.Pipe, ref *uref.Ref) error {
	h.received <- ref
	return nil
}

func (h *recordingHandler) Control(p *upipe.Pipe, cmd upipe.Command, args ...any) (any, error) {
	return nil, nil
}

func newTestRef() *uref.Ref {
	return uref.Alloc(udict.NewManager())
}

func waitFor(t *testing.T, ch <-chan *uref.Ref) *uref.Ref {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for relayed value")
		return nil
	}
}

func TestTransferRelaysInputToRemotePipe(t *testing.T) {
	remoteMgr := upump.NewManager()
	localMgr := upump.NewManager()
	go remoteMgr.Run()
	go localMgr.Run()
	defer remoteMgr.Stop()
	defer localMgr.Stop()

	h := &recordingHandler{received: make(chan *uref.Ref, 1)}
	remotePipe := upipe.New("remote", h, nil)

	tr := New(remotePipe, remoteMgr, localMgr, nil, nil, 8)
	defer tr.Close()

	ref := newTestRef()
	if err := tr.Input(ref); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := waitFor(t, h.received)
	if got != ref {
		t.Fatalf("expected remote pipe to receive the same ref")
	}
}

func TestTransferControlRoundTrips(t *testing.T) {
	remoteMgr := upump.NewManager()
	localMgr := upump.NewManager()
	go remoteMgr.Run()
	go localMgr.Run()
	defer remoteMgr.Stop()
	defer localMgr.Stop()

	h := &recordingHandler{received: make(chan *uref.Ref, 1)}
	remotePipe := upipe.New("remote", h, nil)

	tr := New(remotePipe, remoteMgr, localMgr, nil, nil, 8)
	defer tr.Close()

	if _, err := tr.Control(upipe.CmdSetFlowDef, "block."); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := tr.Control(upipe.CmdGetFlowDef)
	if err != nil || v.(string) != "block." {
		t.Fatalf("expected round-tripped flow def, got %v, %v", v, err)
	}
}

func TestTransferRelaysEventsToLocalProbe(t *testing.T) {
	remoteMgr := upump.NewManager()
	localMgr := upump.NewManager()
	go remoteMgr.Run()
	go localMgr.Run()
	defer remoteMgr.Stop()
	defer localMgr.Stop()

	h := &recordingHandler{received: make(chan *uref.Ref, 1)}
	remotePipe := upipe.New("remote", h, nil)

	fatalSeen := make(chan struct{}, 1)
	localProbe := uprobe.New(func(_ uprobe.Pipe, e *uprobe.Event) error {
		if e.Type == uprobe.EventFatal {
			select {
			case fatalSeen <- struct{}{}:
			default:
			}
			return nil
		}
		return nil
	})

	tr := New(remotePipe, remoteMgr, localMgr, localProbe, nil, 8)
	defer tr.Close()

	remotePipe.Release()
	if err := tr.Input(newTestRef()); err != nil {
		t.Fatalf("unexpected error enqueueing input: %v", err)
	}

	select {
	case <-fatalSeen:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected fatal event relayed to local probe after dead-pipe input error")
	}
}

func TestTransferInputAfterCloseIsInvalid(t *testing.T) {
	remoteMgr := upump.NewManager()
	localMgr := upump.NewManager()
	go remoteMgr.Run()
	go localMgr.Run()
	defer remoteMgr.Stop()
	defer localMgr.Stop()

	h := &recordingHandler{received: make(chan *uref.Ref, 1)}
	remotePipe := upipe.New("remote", h, nil)

	tr := New(remotePipe, remoteMgr, localMgr, nil, nil, 8)
	tr.Close()

	if err := tr.Input(newTestRef()); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestManagerAddGetRemove(t *testing.T) {
	remoteMgr := upump.NewManager()
	localMgr := upump.NewManager()
	go remoteMgr.Run()
	go localMgr.Run()
	defer remoteMgr.Stop()
	defer localMgr.Stop()

	h := &recordingHandler{received: make(chan *uref.Ref, 1)}
	remotePipe := upipe.New("remote", h, nil)
	tr := New(remotePipe, remoteMgr, localMgr, nil, nil, 8)

	mgr := NewManager()
	mgr.Add(tr)
	if mgr.Count() != 1 {
		t.Fatalf("expected 1 transfer registered")
	}
	if mgr.Get(tr.ID) != tr {
		t.Fatalf("expected get to return the registered transfer")
	}
	if !mgr.Remove(tr.ID) {
		t.Fatalf("expected remove to report true")
	}
	if mgr.Count() != 0 {
		t.Fatalf("expected 0 transfers after remove")
	}
}
