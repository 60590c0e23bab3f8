// Package uprobe implements the upward probe chain: events (lifecycle, data-
// plane negotiation, timing, control, and log records) bubble from a pipe
// to its attached probe head, which tries each node in turn until one
// handles the event or all of them pass through.
//
// Grounded on a hook-manager pattern: register handlers per event kind,
// dispatch by trying each in sequence, and tolerate "not interested" as a
// normal, non-fatal outcome — generalized from async fan-out notification
// hooks to a strictly synchronous chain-of-responsibility, since probes
// must be able to veto or transform an event before it reaches the next
// node (e.g. selflow deciding whether a flow format propagates further).
package uprobe

import (
	"sync/atomic"

	"github.com/alxayo/upipe-go/pkg/uerror"
)

// EventType names a probe event family.
type EventType string

const (
	// Lifecycle.
	EventReady EventType = "ready"
	EventDead  EventType = "dead"
	EventFatal EventType = "fatal"

	// Data plane.
	EventSourceEnd     EventType = "source_end"
	EventSinkEnd       EventType = "sink_end"
	EventNeedOutput    EventType = "need_output"
	EventNeedUrefMgr   EventType = "need_uref_mgr"
	EventNeedUbufMgr   EventType = "need_ubuf_mgr"
	EventNeedUpumpMgr  EventType = "need_upump_mgr"
	EventNeedSourceMgr EventType = "need_source_mgr"
	EventNewFlowDef    EventType = "new_flow_def"
	EventNewFlowFormat EventType = "new_flow_format"

	// Timing.
	EventClockRef EventType = "clock_ref"
	EventClockTs  EventType = "clock_ts"

	// Control.
	EventSplitUpdate    EventType = "split_update"
	EventProvideRequest EventType = "provide_request"

	// Log records are thrown as events too, so prefix/stdio decorators can
	// sit on the same chain as every other probe.
	EventLog EventType = "log"
)

// LogLevel mirrors the handful of severities a log decorator filters on.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Pipe is the minimal identity a thrown event needs to describe its origin.
// Defined here (rather than imported from pkg/upipe) to avoid an import
// cycle, since every pipe holds a probe head.
type Pipe interface {
	Name() string
}

// Event carries one thrown occurrence. Args is a small untyped bag for
// event-specific payload (flow def string, error cause, clock sample, …);
// Message/Level are only meaningful for EventLog.
type Event struct {
	Type    EventType
	Args    map[string]any
	Level   LogLevel
	Message string
}

// NewEvent creates an Event of the given type with an empty Args map.
func NewEvent(t EventType) *Event {
	return &Event{Type: t, Args: make(map[string]any)}
}

// WithArg sets one argument and returns the event for chaining.
func (e *Event) WithArg(key string, value any) *Event {
	if e.Args == nil {
		e.Args = make(map[string]any)
	}
	e.Args[key] = value
	return e
}

// CatchFunc handles one event. It returns nil if the event was fully
// handled (stop the chain), a uerror.Unhandled error to pass through to
// the next probe, or any other error to abort the chain and propagate that
// error back to the thrower.
type CatchFunc func(pipe Pipe, event *Event) error

// Probe is one node of the chain: { catch_fn, next, refcount }.
type Probe struct {
	catch CatchFunc
	next  *Probe
	refs  int32
}

// New creates a single-node probe wrapping catch, with no next node.
func New(catch CatchFunc) *Probe {
	return &Probe{catch: catch, refs: 1}
}

// Chain links probes in the given order and returns the head. Each probe is
// tried before the ones after it.
func Chain(probes ...*Probe) *Probe {
	if len(probes) == 0 {
		return nil
	}
	for i := 0; i < len(probes)-1; i++ {
		probes[i].next = probes[i+1]
	}
	return probes[0]
}

// Use increments the probe's refcount and returns it, mirroring the
// refcounted-object convention shared by every allocation in this module.
func (p *Probe) Use() *Probe {
	if p == nil {
		return nil
	}
	atomic.AddInt32(&p.refs, 1)
	return p
}

// Release decrements the refcount; it does not free chain structure since
// Probe nodes carry no external resources, only a closure.
func (p *Probe) Release() {
	if p == nil {
		return
	}
	atomic.AddInt32(&p.refs, -1)
}

// Throw walks the chain starting at head, trying each node's catch
// function until one returns nil (handled) or a non-unhandled error
// (propagate). Reaching the end of the chain without a handler returns an
// Unhandled error to the original caller, mirroring upipe's "unhandled is
// a valid outcome" contract.
func Throw(head *Probe, pipe Pipe, event *Event) error {
	for p := head; p != nil; p = p.next {
		if p.catch == nil {
			continue
		}
		err := p.catch(pipe, event)
		if err == nil {
			return nil
		}
		if !uerror.Is(err, uerror.Unhandled) {
			return err
		}
	}
	return uerror.NewUnhandled("uprobe.throw", nil)
}

// ThrowReady is a convenience helper for the common lifecycle events.
func ThrowReady(head *Probe, pipe Pipe) error { return Throw(head, pipe, NewEvent(EventReady)) }

// ThrowDead is a convenience helper for the dead lifecycle event.
func ThrowDead(head *Probe, pipe Pipe) error { return Throw(head, pipe, NewEvent(EventDead)) }

// ThrowLog is a convenience helper for emitting a log-shaped event through
// the probe chain.
func ThrowLog(head *Probe, pipe Pipe, level LogLevel, msg string) error {
	e := NewEvent(EventLog)
	e.Level = level
	e.Message = msg
	return Throw(head, pipe, e)
}
