// Package xfer implements cross-event-loop pipe ownership transfer: a pipe
// allocated on one upump.Manager is proxied from another, with control
// commands and uref input relayed one way through a bounded uqueue and
// events relayed back through another.
//
// Grounded on a destination manager that fans control operations out to
// remote-owned objects identified by key, tracks each destination's
// connection state, and tolerates a destination being transiently
// unreachable — generalized from "relay media messages to N remote RTMP
// servers" to "proxy commands to one pipe owned by a remote event loop and
// relay its events back", with the network hop replaced by the two-uqueue
// handoff that is the only legal cross-thread boundary in this model.
package xfer

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/upipe"
	"github.com/alxayo/upipe-go/pkg/upump"
	"github.com/alxayo/upipe-go/pkg/uqueue"
	"github.com/alxayo/upipe-go/pkg/uprobe"
	"github.com/alxayo/upipe-go/pkg/uref"
)

// opKind distinguishes the two message shapes carried on the command queue.
type opKind int

const (
	opInput opKind = iota
	opControl
)

type command struct {
	id    string
	kind  opKind
	ref   *uref.Ref
	cmd   upipe.Command
	args  []any
	reply chan result
}

type result struct {
	value any
	err   error
}

// event is relayed back from the remote loop to the local one: either a
// thrown uprobe.Event or a pushed output uref.
type event struct {
	probeEvent *uprobe.Event
	outputRef  *uref.Ref
}

// Transfer proxies one pipe living on a remote upump.Manager. Input/Control
// called on the Transfer from the local loop enqueue a command; the remote
// loop's watcher drains it and applies it to the real pipe. The only thing
// the Transfer puts on the event queue is a fatal event when the remote
// pipe's Input returns an error; events the remote pipe throws through its
// own probe chain and urefs it pushes to its own output are not captured.
type Transfer struct {
	ID   string
	cmds *uqueue.Queue
	evts *uqueue.Queue

	remotePipe *upipe.Pipe
	localProbe *uprobe.Probe
	localOut   upipe.Input

	remotePump *upump.Pump
	localPump  *upump.Pump

	closed int32
}

// New creates a Transfer for remotePipe, which must only ever be touched by
// remoteMgr's dispatch goroutine from this point on. localMgr drains the
// event queue and re-throws/forwards what comes back; localProbe receives
// re-thrown events, localOut (optional) receives any output urefs found on
// the event queue (the Transfer itself enqueues none).
func New(remotePipe *upipe.Pipe, remoteMgr, localMgr *upump.Manager, localProbe *uprobe.Probe, localOut upipe.Input, queueDepth int) *Transfer {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	t := &Transfer{
		ID:         uuid.NewString(),
		cmds:       uqueue.New(queueDepth),
		evts:       uqueue.New(queueDepth),
		remotePipe: remotePipe,
		localProbe: localProbe,
		localOut:   localOut,
	}
	t.remotePump = remoteMgr.AddChanWatcher(t.cmds.Wake(), t.drainCommands)
	t.localPump = localMgr.AddChanWatcher(t.evts.Wake(), t.drainEvents)
	return t
}

// drainCommands runs on the remote loop's dispatch goroutine: it is safe
// to touch remotePipe here and only here.
func (t *Transfer) drainCommands() {
	for {
		v, ok := t.cmds.Pop()
		if !ok {
			return
		}
		c := v.(*command)
		switch c.kind {
		case opInput:
			err := t.remotePipe.Input(c.ref)
			if err != nil {
				t.pushEvent(&event{probeEvent: uprobe.NewEvent(uprobe.EventFatal).WithArg("error", err.Error())})
			}
		case opControl:
			val, err := t.remotePipe.Control(c.cmd, c.args...)
			if c.reply != nil {
				c.reply <- result{value: val, err: err}
			}
		}
	}
}

// drainEvents runs on the local loop's dispatch goroutine: re-throws
// relayed probe events into localProbe and forwards relayed output urefs
// into localOut.
func (t *Transfer) drainEvents() {
	for {
		v, ok := t.evts.Pop()
		if !ok {
			return
		}
		e := v.(*event)
		if e.probeEvent != nil && t.localProbe != nil {
			_ = uprobe.Throw(t.localProbe, t.remotePipe, e.probeEvent)
		}
		if e.outputRef != nil && t.localOut != nil {
			_ = t.localOut.PushInput(e.outputRef)
		}
	}
}

func (t *Transfer) pushEvent(e *event) {
	if !t.evts.Push(e) {
		// Queue full: drop the event rather than block the remote loop's
		// dispatch goroutine. A dropped fatal event still leaves the pipe
		// in whatever state Input/Control left it in.
	}
}

// Input enqueues ref for delivery to the remote pipe. It returns External
// if the command queue is momentarily full; callers should retry.
func (t *Transfer) Input(ref *uref.Ref) error {
	if atomic.LoadInt32(&t.closed) != 0 {
		ref.Free()
		return uerror.NewInvalid("xfer.input", nil)
	}
	c := &command{id: uuid.NewString(), kind: opInput, ref: ref}
	if !t.cmds.Push(c) {
		return uerror.NewExternal("xfer.input", nil)
	}
	return nil
}

// PushInput implements upipe.Input so a Transfer can be wired directly as a
// pipe's output.
func (t *Transfer) PushInput(ref *uref.Ref) error { return t.Input(ref) }

// Control proxies a control command to the remote pipe and blocks for its
// reply. Blocking here is acceptable: it blocks the local caller's
// goroutine, never the remote loop's single dispatch goroutine.
func (t *Transfer) Control(cmd upipe.Command, args ...any) (any, error) {
	if atomic.LoadInt32(&t.closed) != 0 {
		return nil, uerror.NewInvalid("xfer.control", nil)
	}
	reply := make(chan result, 1)
	c := &command{id: uuid.NewString(), kind: opControl, cmd: cmd, args: args, reply: reply}
	if !t.cmds.Push(c) {
		return nil, uerror.NewExternal("xfer.control", nil)
	}
	r := <-reply
	return r.value, r.err
}

// Close stops both watchers. The remote pipe itself is not released; the
// caller decides its fate.
func (t *Transfer) Close() {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return
	}
	t.remotePump.Stop()
	t.localPump.Stop()
}

// Manager tracks multiple Transfers keyed by pipe id, mirroring a
// destination-manager's keyed fan-out with per-key connection state,
// tolerating individual transfers being closed or unreachable without
// affecting the others.
type Manager struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer
}

// NewManager creates an empty transfer manager.
func NewManager() *Manager {
	return &Manager{transfers: make(map[string]*Transfer)}
}

// Add registers t under its ID.
func (m *Manager) Add(t *Transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[t.ID] = t
}

// Get returns the Transfer for id, or nil.
func (m *Manager) Get(id string) *Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transfers[id]
}

// Remove closes and removes the Transfer for id, if present.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return false
	}
	t.Close()
	delete(m.transfers, id)
	return true
}

// Count reports how many transfers are currently registered.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transfers)
}
