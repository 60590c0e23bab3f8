// Package upipe implements the pipe core: lifecycle state machine, typed
// control dispatch, output linkage, request/response provider propagation,
// sub-pipe managers (bin pattern), and input buffering with producer-pump
// back-pressure.
//
// Grounded on a command-dispatcher's "decode command name, branch to a
// typed handler, unhandled is non-fatal" shape for Control, and on a
// registry's "create-or-get keyed child under a write lock, snapshot
// readers before I/O" shape for the provider/subpipe bookkeeping.
package upipe

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/uprobe"
	"github.com/alxayo/upipe-go/pkg/uref"
)

// State is the pipe lifecycle state.
type State int32

const (
	StateReady State = iota
	StateDead
)

// Command names the standard control operations every pipe may handle.
type Command string

const (
	CmdAttachUrefMgr     Command = "attach_uref_mgr"
	CmdAttachUbufMgr     Command = "attach_ubuf_mgr"
	CmdAttachUpumpMgr    Command = "attach_upump_mgr"
	CmdAttachUclock      Command = "attach_uclock"
	CmdGetFlowDef        Command = "get_flow_def"
	CmdSetFlowDef        Command = "set_flow_def"
	CmdGetOutput         Command = "get_output"
	CmdSetOutput         Command = "set_output"
	CmdRegisterRequest   Command = "register_request"
	CmdUnregisterRequest Command = "unregister_request"
	CmdGetSubMgr         Command = "get_sub_mgr"
	CmdIterateSub        Command = "iterate_sub"
)

// Handler is the per-pipe-type vtable: Input consumes one uref, Control
// dispatches a typed command. Concrete pipe types (tsencaps, filesrc, …)
// implement this and are wrapped in a *Pipe by New.
type Handler interface {
	Input(p *Pipe, ref *uref.Ref) error
	Control(p *Pipe, cmd Command, args ...any) (any, error)
}

// Pipe is a running pipe instance: manager-supplied handler, probe head,
// refcount, and the generic bookkeeping (flow def, output link, pending
// requests, sub-pipe manager, input backlog) every pipe type shares.
type Pipe struct {
	id      string
	name    string
	handler Handler
	probe   *uprobe.Probe
	refs    int32
	state   int32 // atomic State

	mu       sync.RWMutex
	flowDef  string
	output   Input
	requests map[string]*Request
	subMgr   SubManager

	blockMu sync.Mutex
	backlog []*uref.Ref
	blocked bool
	blocker *Blocker
}

// Input is anything a pipe can push a uref into: another *Pipe, normally.
type Input interface {
	PushInput(ref *uref.Ref) error
}

// New allocates a pipe in state READY, throws the ready event through
// probe, and returns it.
func New(name string, handler Handler, probe *uprobe.Probe) *Pipe {
	p := &Pipe{
		id:       uuid.NewString(),
		name:     name,
		handler:  handler,
		probe:    probe,
		refs:     1,
		requests: make(map[string]*Request),
	}
	_ = uprobe.ThrowReady(p.probe, p)
	return p
}

// ID returns the pipe's unique instance id.
func (p *Pipe) ID() string { return p.id }

// Name implements uprobe.Pipe.
func (p *Pipe) Name() string { return p.name }

// State returns the current lifecycle state.
func (p *Pipe) State() State { return State(atomic.LoadInt32(&p.state)) }

// ProbeHead returns the probe chain head attached to this pipe.
func (p *Pipe) ProbeHead() *uprobe.Probe { return p.probe }

// Use increments the refcount.
func (p *Pipe) Use() *Pipe {
	atomic.AddInt32(&p.refs, 1)
	return p
}

// Release decrements the refcount; at zero the pipe transitions to DEAD and
// throws the dead event.
func (p *Pipe) Release() {
	if atomic.AddInt32(&p.refs, -1) > 0 {
		return
	}
	atomic.StoreInt32(&p.state, int32(StateDead))
	_ = uprobe.ThrowDead(p.probe, p)
}

// PushInput implements Input so pipes can chain directly as each other's
// output.
func (p *Pipe) PushInput(ref *uref.Ref) error { return p.Input(ref) }

// Input consumes ref. On a dead pipe ref is freed and Invalid is returned;
// on a pipe blocked awaiting downstream capacity ref is appended to the
// backlog (which has no size limit) for later redelivery by Unblock;
// otherwise it is forwarded to the handler.
func (p *Pipe) Input(ref *uref.Ref) error {
	if p.State() == StateDead {
		ref.Free()
		return uerror.NewInvalid("upipe.input", nil)
	}

	p.blockMu.Lock()
	if p.blocked {
		p.backlog = append(p.backlog, ref)
		p.blockMu.Unlock()
		return nil
	}
	p.blockMu.Unlock()

	return p.handler.Input(p, ref)
}

// Control dispatches cmd to the handler after handling the generic commands
// (flow def, output, requests, sub-manager) that every pipe shares.
// Unhandled is a valid, non-fatal outcome.
func (p *Pipe) Control(cmd Command, args ...any) (any, error) {
	switch cmd {
	case CmdGetFlowDef:
		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.flowDef == "" {
			return nil, uerror.NewUnhandled("upipe.control.get_flow_def", nil)
		}
		return p.flowDef, nil
	case CmdSetFlowDef:
		flowDef, _ := args[0].(string)
		if flowDef == "" {
			return nil, uerror.NewInvalid("upipe.control.set_flow_def", nil)
		}
		p.mu.Lock()
		p.flowDef = flowDef
		p.mu.Unlock()
		return nil, nil
	case CmdGetOutput:
		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.output == nil {
			return nil, uerror.NewUnhandled("upipe.control.get_output", nil)
		}
		return p.output, nil
	case CmdSetOutput:
		out, _ := args[0].(Input)
		p.mu.Lock()
		p.output = out
		p.mu.Unlock()
		return nil, nil
	case CmdRegisterRequest:
		req, _ := args[0].(*Request)
		if req == nil {
			return nil, uerror.NewInvalid("upipe.control.register_request", nil)
		}
		return nil, p.registerRequest(req)
	case CmdUnregisterRequest:
		id, _ := args[0].(string)
		p.mu.Lock()
		delete(p.requests, id)
		p.mu.Unlock()
		return nil, nil
	case CmdGetSubMgr:
		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.subMgr == nil {
			return nil, uerror.NewUnhandled("upipe.control.get_sub_mgr", nil)
		}
		return p.subMgr, nil
	case CmdIterateSub:
		p.mu.RLock()
		sm := p.subMgr
		p.mu.RUnlock()
		if sm == nil {
			return nil, uerror.NewUnhandled("upipe.control.iterate_sub", nil)
		}
		return sm.Iterate(), nil
	}
	return p.handler.Control(p, cmd, args...)
}

// Output returns the currently linked downstream pipe, or nil.
func (p *Pipe) Output() Input {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.output
}

// FlowDef returns the currently declared flow-def string, if set.
func (p *Pipe) FlowDef() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.flowDef
}

// SetSubManager installs a SubManager, turning this pipe into a super-pipe.
func (p *Pipe) SetSubManager(sm SubManager) {
	p.mu.Lock()
	p.subMgr = sm
	p.mu.Unlock()
}
