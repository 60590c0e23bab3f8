// Package streamswitcher selects one of several live input sources at a
// time and forwards only its urefs downstream, rebasing timestamps across a
// switch so the output clock stays continuous.
//
// Grounded on lib/upipe-modules/upipe_stream_switcher.c's
// selected/waiting-input bookkeeping and rebase_timestamp mechanism, and on
// a named-sub-destination map pattern generalized from "fan a uref out to
// every registered destination" to "forward only from the one currently
// selected".
package streamswitcher

import (
	"sync"

	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/uref"
)

// Output is anything the switcher forwards its selected uref into.
type Output interface {
	Input(ref *uref.Ref) error
}

// Switcher holds a set of named input sub-pipes and forwards only the
// selected one's urefs to Output, rebasing pts/dts_sys across switches.
type Switcher struct {
	mu       sync.Mutex
	output   Output
	selected string

	rebaseSet   bool
	rebaseDelta int64 // added to incoming pts/dts_sys after a switch, until the next switch
	lastPtsSys  uint64
}

// New creates a Switcher forwarding to out. No input is selected until
// Select is called.
func New(out Output) *Switcher {
	return &Switcher{output: out}
}

// Select makes name the active input. The next uref submitted via
// InputFrom(name, ...) establishes a new rebase so its pts/dts_sys picks up
// immediately after the last frame output before the switch, rather than
// jumping to whatever absolute clock the new source happens to be on.
func (sw *Switcher) Select(name string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.selected == name {
		return
	}
	sw.selected = name
	sw.rebaseSet = false
}

// Selected returns the currently active input name ("" if none yet).
func (sw *Switcher) Selected() string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.selected
}

// InputFrom submits a uref arriving on sub-pipe name. urefs from any
// non-selected input are dropped (freed) without error, the same "other
// inputs are silently discarded while not selected" behavior
// upipe_stream_switcher.c implements for its non-selected sub-pipes.
func (sw *Switcher) InputFrom(name string, ref *uref.Ref) error {
	sw.mu.Lock()
	if name != sw.selected {
		sw.mu.Unlock()
		ref.Free()
		return nil
	}

	ptsSys, ptsErr := ref.GetPtsSys()
	hasPts := ptsErr == nil
	if !sw.rebaseSet {
		if hasPts && sw.lastPtsSys != 0 {
			sw.rebaseDelta = int64(sw.lastPtsSys) - int64(ptsSys)
		} else {
			sw.rebaseDelta = 0
		}
		sw.rebaseSet = true
	}
	delta := sw.rebaseDelta
	out := sw.output
	sw.mu.Unlock()

	if hasPts {
		rebased := uint64(int64(ptsSys) + delta)
		ref.SetPtsSys(rebased)
		if dtsSys, err := ref.GetDtsSys(); err == nil {
			ref.SetDtsSys(uint64(int64(dtsSys) + delta))
		}
		sw.mu.Lock()
		sw.lastPtsSys = rebased
		sw.mu.Unlock()
	}
	if out == nil {
		ref.Free()
		return uerror.NewUnhandled("streamswitcher.inputfrom.no_output", nil)
	}
	return out.Input(ref)
}
