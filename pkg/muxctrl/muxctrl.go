// Package muxctrl implements the TS mux control loop: on every scheduling
// tick it consults each registered encaps's reported next_dts_sys (next_cr_sys
// is not consulted), pulls the packet from whichever is due soonest (ties broken by priority —
// PSI > PCR > audio > video), and pushes it into the aggregator; when
// nothing is ready it still lets the aggregator pad a CBR interval rather
// than stall.
//
// Grounded on an accept-loop-style "iterate registered things, pick the one
// that's due, dispatch" scheduling shape, generalized from "accept
// connections" to "pull the next TS packet."
package muxctrl

import (
	"sort"
	"sync"

	"github.com/alxayo/upipe-go/pkg/tsaggregate"
	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/uerror"
)

// Priority orders tie-breaks among sources whose next_dts_sys coincide.
// Lower values win (spec.md §5: "PSI > PCR > audio > video").
type Priority int

const (
	PriorityPSI Priority = iota
	PriorityPCR
	PriorityAudio
	PriorityVideo
)

// Source is the subset of tsencaps.Encaps's reporting surface the mux loop
// needs. tsencaps.Encaps satisfies this interface without modification.
type Source interface {
	NextDtsSys() uint64
	Ready() bool
	Splice(muxSysTime uint64) (*ubuf.Block, uint64, error)
}

type entry struct {
	name     string
	source   Source
	priority Priority
}

// Mux owns one aggregator and a set of named encaps (and PSI-inserter)
// sources, and drives the pull-from-encaps scheduling described in
// spec.md §4.K.
type Mux struct {
	mu      sync.Mutex
	agg     *tsaggregate.Aggregator
	entries []*entry
	window  uint64 // aggregator slack: how far past muxSysTime a deadline may still be pulled
}

// New creates a Mux pulling into agg. window bounds how far past the
// current mux time a source's next_dts_sys may be and still be picked this
// tick (spec.md §4.K step 2, "smallest next_dts_sys ... <= current time
// plus aggregator window").
func New(agg *tsaggregate.Aggregator, window uint64) *Mux {
	return &Mux{agg: agg, window: window}
}

// AddSource registers an encaps (or PSI inserter) under name with priority
// pr. Registering the same name again replaces the prior entry.
func (m *Mux) AddSource(name string, s Source, pr Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.name == name {
			e.source = s
			e.priority = pr
			return
		}
	}
	m.entries = append(m.entries, &entry{name: name, source: s, priority: pr})
}

// RemoveSource unregisters a source by name; a no-op if not present.
func (m *Mux) RemoveSource(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.name == name {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

// Tick runs one scheduling step at muxSysTime: pick the due source with
// smallest next_dts_sys (ties broken by Priority), splice one packet from
// it into the aggregator, then attempt an aggregator emission. If no
// source is ready, it still attempts an aggregator emission so a CBR
// aggregator can pad a stalled interval rather than stall the output.
// Returns the aggregate ubuf (nil if nothing emitted this tick) and its
// cr_sys.
func (m *Mux) Tick(muxSysTime uint64) (*ubuf.Block, uint64, bool, error) {
	m.mu.Lock()
	picked := m.pickLocked(muxSysTime)
	m.mu.Unlock()

	if picked != nil {
		pkt, dtsSys, err := picked.source.Splice(muxSysTime)
		if err != nil {
			if uerror.Is(err, uerror.Unhandled) {
				return m.agg.Pop(muxSysTime, 0, false)
			}
			return nil, 0, false, err
		}
		if err := m.agg.Push(pkt, dtsSys, true); err != nil {
			return nil, 0, false, err
		}
	}

	nextDts, haveNext := m.nextDeadlineLocked(muxSysTime)
	return m.agg.Pop(muxSysTime, nextDts, haveNext)
}

// pickLocked selects the due source with the smallest next_dts_sys,
// breaking ties by priority. Must be called with m.mu held.
func (m *Mux) pickLocked(muxSysTime uint64) *entry {
	var best *entry
	var bestDts uint64
	for _, e := range m.entries {
		if !e.source.Ready() {
			continue
		}
		dts := e.source.NextDtsSys()
		if dts > muxSysTime+m.window {
			continue
		}
		if best == nil || dts < bestDts || (dts == bestDts && e.priority < best.priority) {
			best, bestDts = e, dts
		}
	}
	return best
}

// nextDeadlineLocked reports the smallest next_dts_sys among all
// registered ready sources, for CappedVBR's "would the next input still
// make the following interval" decision.
func (m *Mux) nextDeadlineLocked(muxSysTime uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	have := false
	var min uint64
	for _, e := range m.entries {
		if !e.source.Ready() {
			continue
		}
		dts := e.source.NextDtsSys()
		if !have || dts < min {
			min, have = dts, true
		}
	}
	return min, have
}

// Sources returns the registered source names in priority, then name,
// order — a diagnostic helper, not part of the scheduling contract.
func (m *Mux) Sources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*entry, len(m.entries))
	copy(cp, m.entries)
	sort.Slice(cp, func(i, j int) bool {
		if cp[i].priority != cp[j].priority {
			return cp[i].priority < cp[j].priority
		}
		return cp[i].name < cp[j].name
	})
	names := make([]string, len(cp))
	for i, e := range cp {
		names[i] = e.name
	}
	return names
}
