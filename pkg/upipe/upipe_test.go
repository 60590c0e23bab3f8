package upipe

import (
	"testing"

	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/udict"
	"github.com/alxayo/upipe-go/pkg/uprobe"
	"github.com/alxayo/upipe-go/pkg/uref"
)

type recordingHandler struct {
	received []*uref.Ref
	controls []Command
}

func (h *recordingHandler) Input(p *Pipe, ref *uref.Ref) error {
	h.received = append(h.received, ref)
	return nil
}

func (h *recordingHandler) Control(p *Pipe, cmd Command, args ...any) (any, error) {
	h.controls = append(h.controls, cmd)
	return nil, uerror.NewUnhandled("test.control", nil)
}

func newTestRef() *uref.Ref {
	return uref.Alloc(udict.NewManager())
}

func TestNewThrowsReadyAndSetsState(t *testing.T) {
	var readyFired bool
	probe := uprobe.New(func(_ uprobe.Pipe, e *uprobe.Event) error {
		if e.Type == uprobe.EventReady {
			readyFired = true
			return nil
		}
		return uerror.NewUnhandled("test", nil)
	})
	p := New("test-pipe", &recordingHandler{}, probe)
	if !readyFired {
		t.Fatalf("expected ready event to fire on allocation")
	}
	if p.State() != StateReady {
		t.Fatalf("expected StateReady, got %v", p.State())
	}
}

func TestReleaseTransitionsToDeadAndThrows(t *testing.T) {
	var deadFired bool
	probe := uprobe.New(func(_ uprobe.Pipe, e *uprobe.Event) error {
		if e.Type == uprobe.EventDead {
			deadFired = true
			return nil
		}
		return uerror.NewUnhandled("test", nil)
	})
	p := New("test-pipe", &recordingHandler{}, probe)
	p.Release()
	if !deadFired {
		t.Fatalf("expected dead event on release to zero")
	}
	if p.State() != StateDead {
		t.Fatalf("expected StateDead, got %v", p.State())
	}
}

func TestInputOnDeadPipeIsInvalid(t *testing.T) {
	p := New("test-pipe", &recordingHandler{}, nil)
	p.Release()
	ref := newTestRef()
	if err := p.Input(ref); !uerror.Is(err, uerror.Invalid) {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestInputForwardsToHandler(t *testing.T) {
	h := &recordingHandler{}
	p := New("test-pipe", h, nil)
	ref := newTestRef()
	if err := p.Input(ref); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.received) != 1 || h.received[0] != ref {
		t.Fatalf("expected handler to receive the uref")
	}
}

func TestSetGetFlowDefRoundTrip(t *testing.T) {
	p := New("test-pipe", &recordingHandler{}, nil)
	if _, err := p.Control(CmdGetFlowDef); !uerror.Is(err, uerror.Unhandled) {
		t.Fatalf("expected Unhandled before set, got %v", err)
	}
	if _, err := p.Control(CmdSetFlowDef, "block."); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := p.Control(CmdGetFlowDef)
	if err != nil || v.(string) != "block." {
		t.Fatalf("expected block., got %v, %v", v, err)
	}
}

func TestSetGetOutputRoundTrip(t *testing.T) {
	downstream := New("downstream", &recordingHandler{}, nil)
	p := New("test-pipe", &recordingHandler{}, nil)
	if _, err := p.Control(CmdSetOutput, downstream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := p.Control(CmdGetOutput)
	if err != nil || out.(Input) != Input(downstream) {
		t.Fatalf("expected downstream as output, got %v, %v", out, err)
	}
}

func TestUnhandledControlFallsThroughToHandler(t *testing.T) {
	h := &recordingHandler{}
	p := New("test-pipe", h, nil)
	if _, err := p.Control("custom_command"); !uerror.Is(err, uerror.Unhandled) {
		t.Fatalf("expected Unhandled, got %v", err)
	}
	if len(h.controls) != 1 || h.controls[0] != "custom_command" {
		t.Fatalf("expected handler.Control called with custom_command")
	}
}

func TestBlockBuffersInputUntilUnblock(t *testing.T) {
	h := &recordingHandler{}
	p := New("test-pipe", h, nil)

	var resumed bool
	p.Block(NewBlocker(func() { resumed = true }))

	ref1 := newTestRef()
	if err := p.Input(ref1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.received) != 0 {
		t.Fatalf("expected input to be buffered while blocked")
	}
	if p.BacklogLen() != 1 {
		t.Fatalf("expected backlog of 1, got %d", p.BacklogLen())
	}

	p.Unblock()
	if len(h.received) != 1 {
		t.Fatalf("expected buffered input delivered on unblock")
	}
	if !resumed {
		t.Fatalf("expected resume callback invoked")
	}
	if p.Blocked() {
		t.Fatalf("expected pipe unblocked")
	}
}

func TestSubManagerCreateGetDelete(t *testing.T) {
	p := New("super", &recordingHandler{}, nil)
	sm := NewMapSubManager()
	p.SetSubManager(sm)

	sub, created := sm.CreateSub("pid-100", func() *Pipe {
		return New("sub-100", &recordingHandler{}, nil)
	})
	if !created {
		t.Fatalf("expected sub created")
	}
	if sm.GetSub("pid-100") != sub {
		t.Fatalf("expected get to return the same sub")
	}
	again, created2 := sm.CreateSub("pid-100", func() *Pipe {
		t.Fatalf("alloc should not run for existing key")
		return nil
	})
	if created2 || again != sub {
		t.Fatalf("expected CreateSub to return existing sub without re-allocating")
	}
	if len(sm.Iterate()) != 1 {
		t.Fatalf("expected 1 sub in iteration")
	}
	if !sm.DeleteSub("pid-100") {
		t.Fatalf("expected delete to report true")
	}
	if sm.GetSub("pid-100") != nil {
		t.Fatalf("expected sub removed")
	}
}

func TestRequestRegisterWithoutProviderIsUnhandled(t *testing.T) {
	p := New("test-pipe", &recordingHandler{}, nil)
	req := NewRequest(RequestUbufMgr, "block.")
	_, err := p.Control(CmdRegisterRequest, req)
	if !uerror.Is(err, uerror.Unhandled) {
		t.Fatalf("expected Unhandled with no provider, got %v", err)
	}
}

func TestRequestProvidedByProbe(t *testing.T) {
	probe := uprobe.New(func(_ uprobe.Pipe, e *uprobe.Event) error {
		if e.Type != uprobe.EventProvideRequest {
			return uerror.NewUnhandled("test", nil)
		}
		req := e.Args["request"].(*Request)
		req.Provide("some-ubuf-mgr")
		return nil
	})
	p := New("test-pipe", &recordingHandler{}, probe)
	req := NewRequest(RequestUbufMgr, "block.")
	if _, err := p.Control(CmdRegisterRequest, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, ok := req.Result()
	if !ok || result.(string) != "some-ubuf-mgr" {
		t.Fatalf("expected provided result, got %v ok=%v", result, ok)
	}
}
