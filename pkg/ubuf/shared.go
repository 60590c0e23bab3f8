// Package ubuf implements the generic payload buffer (spec §3, §4.C):
// block, picture, sound and void kinds, all immutable-by-default with
// copy-on-write semantics and zero-copy slicing/appending for the block
// kind. Segment-list backing generalizes a size-classed pool of plain byte
// slices from "one fixed buffer per message" to "N shareable, spliceable
// segments per logical byte stream".
package ubuf

import (
	"sync/atomic"

	"github.com/alxayo/upipe-go/pkg/umem"
)

// shared is ubuf_shared: a small heap object holding one umem.Mem and its
// own refcount, independent of the Mem's refcount. Multiple segments (and
// hence multiple Blocks) may point at the same shared region; once shared
// by more than one segment it is read-only until a writer copies it out.
type shared struct {
	mem  *umem.Mem
	refs int32
}

func newShared(mem *umem.Mem) *shared {
	return &shared{mem: mem, refs: 1}
}

func (s *shared) use() *shared {
	atomic.AddInt32(&s.refs, 1)
	return s
}

func (s *shared) release() {
	if atomic.AddInt32(&s.refs, -1) > 0 {
		return
	}
	s.mem.Release()
}

func (s *shared) refCount() int32 {
	return atomic.LoadInt32(&s.refs)
}

func (s *shared) writable() bool {
	return s.refCount() == 1
}
