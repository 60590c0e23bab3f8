// Package umem implements the backing allocator for ubuf segments (spec §4.A).
// A Mem is a reference to a contiguous byte region plus a shared refcount;
// it is never exposed directly to pipes — only ubuf_shared (see pkg/ubuf)
// holds a Mem, and multiple ubuf objects share one ubuf_shared.
package umem

import (
	"sync/atomic"

	"github.com/alxayo/upipe-go/pkg/uerror"
)

// Allocator is the manager vtable: alloc/realloc/size/buffer/free.
type Allocator interface {
	// Alloc returns a new Mem of the requested size, or an *uerror.Error
	// with Code Alloc on failure.
	Alloc(size int) (*Mem, error)
	// Realloc grows or shrinks m in place when possible. Callers must not
	// read the old buffer pointer after a Realloc that moved the region;
	// Buffer() must be re-read.
	Realloc(m *Mem, newSize int) error
}

// Mem is a refcounted contiguous byte region.
type Mem struct {
	buf   []byte
	refs  int32
	class int // size class index in the owning pool, -1 if unpooled
	pool  *PoolAllocator
}

// Size returns the usable length of the region.
func (m *Mem) Size() int { return len(m.buf) }

// Buffer returns the backing slice. Must not be retained past Release.
func (m *Mem) Buffer() []byte { return m.buf }

// Use increments the refcount and returns m for chaining.
func (m *Mem) Use() *Mem {
	atomic.AddInt32(&m.refs, 1)
	return m
}

// Release decrements the refcount, freeing the region to its allocator when
// it reaches zero.
func (m *Mem) Release() {
	if atomic.AddInt32(&m.refs, -1) > 0 {
		return
	}
	if m.pool != nil {
		m.pool.recycle(m)
	}
}

// SimpleAllocator is a passthrough allocator: every Alloc is a fresh make().
// This is the same oversized-request fallback path a size-classed pool uses
// once a request exceeds its largest class: allocate a fresh slice and skip
// pooling entirely.
type SimpleAllocator struct{}

func NewSimpleAllocator() *SimpleAllocator { return &SimpleAllocator{} }

func (a *SimpleAllocator) Alloc(size int) (*Mem, error) {
	if size < 0 {
		return nil, uerror.NewInvalid("umem.alloc", nil)
	}
	return &Mem{buf: make([]byte, size), refs: 1, class: -1}, nil
}

func (a *SimpleAllocator) Realloc(m *Mem, newSize int) error {
	if newSize < 0 {
		return uerror.NewInvalid("umem.realloc", nil)
	}
	nb := make([]byte, newSize)
	copy(nb, m.buf)
	m.buf = nb
	return nil
}

// PoolAllocator is a size-classed allocator keyed by size-class, a direct
// generalization of internal/bufpool.Pool (there: fixed classes 128/4096/
// 65536 tuned for RTMP chunk payloads; here: caller-supplied classes tuned
// for ubuf block segments / TS aggregation blocks).
type PoolAllocator struct {
	classes []int
	free    [][]*Mem // per-class free list, reused rather than GC'd
}

// NewPoolAllocator creates a pool with the given ascending size classes.
// Requests larger than the largest class allocate unpooled (same fallback
// as internal/bufpool.Pool.Get).
func NewPoolAllocator(classes []int) *PoolAllocator {
	cp := make([]int, len(classes))
	copy(cp, classes)
	return &PoolAllocator{classes: cp, free: make([][]*Mem, len(cp))}
}

func (p *PoolAllocator) Alloc(size int) (*Mem, error) {
	if size < 0 {
		return nil, uerror.NewInvalid("umem.alloc", nil)
	}
	for i, c := range p.classes {
		if size <= c {
			if n := len(p.free[i]); n > 0 {
				m := p.free[i][n-1]
				p.free[i] = p.free[i][:n-1]
				m.buf = m.buf[:size]
				for j := range m.buf {
					m.buf[j] = 0
				}
				m.refs = 1
				return m, nil
			}
			return &Mem{buf: make([]byte, size, c), refs: 1, class: i, pool: p}, nil
		}
	}
	return &Mem{buf: make([]byte, size), refs: 1, class: -1, pool: p}, nil
}

func (p *PoolAllocator) Realloc(m *Mem, newSize int) error {
	if newSize < 0 {
		return uerror.NewInvalid("umem.realloc", nil)
	}
	if m.class >= 0 && newSize <= p.classes[m.class] {
		// Grow within the same backing capacity class-size (class capacity
		// was allocated up-front); only re-slice.
		if cap(m.buf) >= newSize {
			old := len(m.buf)
			m.buf = m.buf[:newSize]
			for i := old; i < newSize; i++ {
				m.buf[i] = 0
			}
			return nil
		}
	}
	nb := make([]byte, newSize)
	copy(nb, m.buf)
	m.buf = nb
	m.class = -1
	return nil
}

func (p *PoolAllocator) recycle(m *Mem) {
	if m.class < 0 || m.class >= len(p.free) {
		return
	}
	full := m.buf[:cap(m.buf)]
	for i := range full {
		full[i] = 0
	}
	p.free[m.class] = append(p.free[m.class], m)
}
