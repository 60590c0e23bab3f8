// Package upump implements a cooperative single-thread event loop: a
// Manager owns one dispatch goroutine, and pumps (fd watchers, timers,
// idlers) are activities registered against it. No two pump callbacks ever
// run concurrently on the same Manager, matching the strictly single-
// threaded cooperative scheduling model every pipe relies on.
//
// Grounded on a connection's read-loop/write-loop pair (one goroutine per
// direction, select-driven, context-cancellable), generalized from "one
// fixed read loop and one fixed write loop" to "N dynamically registered
// pumps, all serialized onto a single dispatch goroutine via a work
// channel" — the feeder goroutines behind fd/timer/idler pumps only detect
// readiness, they never execute user callbacks themselves.
package upump

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Manager is one event loop. Run blocks until Stop is called.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	fire   chan func()
	active int32
	wg     sync.WaitGroup
}

// NewManager creates a Manager bound to a fresh cancellable context.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{ctx: ctx, cancel: cancel, fire: make(chan func(), 64)}
}

// Run executes registered pump callbacks one at a time on the calling
// goroutine until Stop is called. This is the manager's single dispatch
// thread: whichever pump's feeder goroutine wins the race to send into
// fire next, runs to completion before the next callback starts.
func (m *Manager) Run() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case fn := <-m.fire:
			fn()
		}
	}
}

// Stop cancels every registered pump and waits for their feeder goroutines
// to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// ActivePumps reports how many pumps are currently registered and not yet
// stopped.
func (m *Manager) ActivePumps() int {
	return int(atomic.LoadInt32(&m.active))
}

// Pump is a handle to one registered activity; Stop cancels it.
type Pump struct {
	cancel context.CancelFunc
	mgr    *Manager
	once   sync.Once
}

// Stop cancels the pump. Safe to call more than once.
func (p *Pump) Stop() {
	p.once.Do(func() {
		p.cancel()
		atomic.AddInt32(&p.mgr.active, -1)
	})
}

func (m *Manager) newPump() (*Pump, context.Context) {
	pctx, pcancel := context.WithCancel(m.ctx)
	atomic.AddInt32(&m.active, 1)
	return &Pump{cancel: pcancel, mgr: m}, pctx
}

// AddTimerOnce fires fn once after d, on the manager's dispatch goroutine.
func (m *Manager) AddTimerOnce(d time.Duration, fn func()) *Pump {
	p, pctx := m.newPump()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-pctx.Done():
		case <-t.C:
			m.dispatch(fn)
		}
	}()
	return p
}

// AddTimerPeriodic fires fn every d until stopped.
func (m *Manager) AddTimerPeriodic(d time.Duration, fn func()) *Pump {
	p, pctx := m.newPump()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-t.C:
				m.dispatch(fn)
			}
		}
	}()
	return p
}

// AddIdler calls fn whenever the loop has no other ready pump, at most once
// per idleInterval so the feeder goroutine does not spin unchecked.
func (m *Manager) AddIdler(idleInterval time.Duration, fn func()) *Pump {
	if idleInterval <= 0 {
		idleInterval = time.Millisecond
	}
	p, pctx := m.newPump()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(idleInterval)
		defer t.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-t.C:
				if len(m.fire) == 0 {
					m.dispatch(fn)
				}
			}
		}
	}()
	return p
}

// AddFDRead watches conn for read-readiness by polling a non-destructive
// Peek(1) against a deadline, and dispatches onReadable when data is
// available. br must wrap conn. The watcher stops itself (without an
// explicit Stop call) once Peek reports a non-timeout error (EOF, closed
// connection).
func (m *Manager) AddFDRead(conn net.Conn, br *bufio.Reader, pollInterval time.Duration, onReadable func()) *Pump {
	if pollInterval <= 0 {
		pollInterval = 20 * time.Millisecond
	}
	p, pctx := m.newPump()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-pctx.Done():
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
			_, err := br.Peek(1)
			_ = conn.SetReadDeadline(time.Time{})
			if err == nil {
				m.dispatch(onReadable)
				continue
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Non-timeout error: fd is no longer watchable. Fire once more
			// so the caller's read loop can observe and report it, then stop.
			m.dispatch(onReadable)
			return
		}
	}()
	return p
}

// AddFDWrite registers a write-ready watcher. There is no portable way to
// test TCP write-readiness without attempting a write, so this simply fires
// onWritable once per pollInterval; callers treat it as "worth trying to
// flush now" rather than a guarantee.
func (m *Manager) AddFDWrite(pollInterval time.Duration, onWritable func()) *Pump {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Millisecond
	}
	return m.AddTimerPeriodic(pollInterval, onWritable)
}

// AddChanWatcher dispatches onReady whenever wake is signalled. This is the
// same feeder-goroutine-detects-readiness shape as AddFDRead, generalized
// from a net.Conn source to any readiness channel — the mechanism
// pkg/xfer uses to let one event loop react to a uqueue.Queue owned by
// another.
func (m *Manager) AddChanWatcher(wake <-chan struct{}, onReady func()) *Pump {
	p, pctx := m.newPump()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-pctx.Done():
				return
			case <-wake:
				m.dispatch(onReady)
			}
		}
	}()
	return p
}

func (m *Manager) dispatch(fn func()) {
	select {
	case m.fire <- fn:
	case <-m.ctx.Done():
	}
}
