package ubuf

import (
	"fmt"

	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/umem"
)

// segment is one (shared region, offset, length) extent. Segments never
// overlap and are never empty (spec §4.C invariant).
type segment struct {
	sh     *shared
	offset int
	length int
}

// Block is the block variant of ubuf: an ordered sequence of segments
// forming a logical byte stream, supporting O(1) prepend/append/split.
type Block struct {
	allocator umem.Allocator
	segs      []*segment
	size      int
}

// AllocBlock allocates a new single-segment block of the given size from
// allocator.
func AllocBlock(allocator umem.Allocator, size int) (*Block, error) {
	if size < 0 {
		return nil, uerror.NewInvalid("ubuf.block.alloc", nil)
	}
	mem, err := allocator.Alloc(size)
	if err != nil {
		return nil, uerror.NewAlloc("ubuf.block.alloc", err)
	}
	b := &Block{allocator: allocator, size: size}
	if size > 0 {
		b.segs = []*segment{{sh: newShared(mem), offset: 0, length: size}}
	}
	return b, nil
}

// Size returns the total logical byte length across all segments.
func (b *Block) Size() int { return b.size }

// Free releases every segment's shared region. Must be called exactly once
// per Block that is not consumed by Append/Prepend (those transfer segment
// ownership into the recipient instead).
func (b *Block) Free() {
	for _, s := range b.segs {
		s.sh.release()
	}
	b.segs = nil
	b.size = 0
}

// locate finds the segment index and in-segment offset covering logical
// offset off, or (-1, 0) if off is at or past the end.
func (b *Block) locate(off int) (int, int) {
	for i, s := range b.segs {
		if off < s.length {
			return i, off
		}
		off -= s.length
	}
	return -1, 0
}

// Read returns a contiguous slice covering up to size bytes starting at
// offset. If the requested range lies wholly within one segment the full
// range is returned; otherwise the largest contiguous prefix is returned
// and the caller must loop (spec §4.C, testable property #5: never returns
// zero bytes when the requested range is non-empty and in bounds). Sharing
// never blocks a read.
func (b *Block) Read(offset, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > b.size {
		return nil, uerror.NewInvalid("ubuf.block.read", fmt.Errorf("range [%d,%d) out of bounds (size %d)", offset, offset+size, b.size))
	}
	if size == 0 {
		return nil, nil
	}
	idx, inOff := b.locate(offset)
	if idx < 0 {
		return nil, uerror.NewInvalid("ubuf.block.read", fmt.Errorf("offset %d past end", offset))
	}
	s := b.segs[idx]
	avail := s.length - inOff
	n := size
	if n > avail {
		n = avail
	}
	buf := s.sh.mem.Buffer()
	start := s.offset + inOff
	return buf[start : start+n], nil
}

// Write returns a writable contiguous slice exactly as Read does, but fails
// with Busy if the covering segment's shared region has refcount > 1.
// Callers that need mutation in the presence of sharing must DupWritable
// first.
func (b *Block) Write(offset, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > b.size {
		return nil, uerror.NewInvalid("ubuf.block.write", fmt.Errorf("range [%d,%d) out of bounds (size %d)", offset, offset+size, b.size))
	}
	if size == 0 {
		return nil, nil
	}
	idx, inOff := b.locate(offset)
	if idx < 0 {
		return nil, uerror.NewInvalid("ubuf.block.write", fmt.Errorf("offset %d past end", offset))
	}
	s := b.segs[idx]
	if !s.sh.writable() {
		return nil, uerror.NewBusy("ubuf.block.write", fmt.Errorf("segment shared (refs=%d)", s.sh.refCount()))
	}
	avail := s.length - inOff
	n := size
	if n > avail {
		n = avail
	}
	buf := s.sh.mem.Buffer()
	start := s.offset + inOff
	return buf[start : start+n], nil
}

// DupWritable copies every segment whose shared region is not exclusively
// owned, producing a block safe to Write into throughout. Grounded on
// spec §4.C's "dup_writable" contract and on spec §4.D uref.dup's
// fork-the-ubuf-by-shared-refcount-clone pattern.
func (b *Block) DupWritable() (*Block, error) {
	nb := &Block{allocator: b.allocator, size: b.size}
	for _, s := range b.segs {
		if s.sh.writable() {
			nb.segs = append(nb.segs, &segment{sh: s.sh.use(), offset: s.offset, length: s.length})
			continue
		}
		mem, err := b.allocator.Alloc(s.length)
		if err != nil {
			nb.Free()
			return nil, uerror.NewAlloc("ubuf.block.dup_writable", err)
		}
		copy(mem.Buffer(), s.sh.mem.Buffer()[s.offset:s.offset+s.length])
		nb.segs = append(nb.segs, &segment{sh: newShared(mem), offset: 0, length: s.length})
	}
	return nb, nil
}

// Dup returns a new Block sharing every segment's backing region
// (read-only until a writer copies out via DupWritable).
func (b *Block) Dup() *Block {
	nb := &Block{allocator: b.allocator, size: b.size}
	for _, s := range b.segs {
		nb.segs = append(nb.segs, &segment{sh: s.sh.use(), offset: s.offset, length: s.length})
	}
	return nb
}

// Append splices tail onto the end of b in O(1): tail's segments are moved
// into b and tail is consumed (its Block value must not be used again).
func (b *Block) Append(tail *Block) error {
	if tail == nil {
		return nil
	}
	b.segs = append(b.segs, tail.segs...)
	b.size += tail.size
	tail.segs = nil
	tail.size = 0
	return nil
}

// Prepend splices head onto the front of b in O(1), symmetric to Append.
func (b *Block) Prepend(head *Block) error {
	if head == nil {
		return nil
	}
	b.segs = append(head.segs, b.segs...)
	b.size += head.size
	head.segs = nil
	head.size = 0
	return nil
}

// Truncate drops bytes past size, releasing segments that fall entirely
// past the new end.
func (b *Block) Truncate(size int) error {
	if size < 0 || size > b.size {
		return uerror.NewInvalid("ubuf.block.truncate", nil)
	}
	if size == b.size {
		return nil
	}
	remaining := size
	var kept []*segment
	for _, s := range b.segs {
		if remaining <= 0 {
			s.sh.release()
			continue
		}
		if remaining >= s.length {
			kept = append(kept, s)
			remaining -= s.length
			continue
		}
		kept = append(kept, &segment{sh: s.sh, offset: s.offset, length: remaining})
		remaining = 0
	}
	b.segs = kept
	b.size = size
	return nil
}

// Resize drops `skip` bytes from the front and/or trailing bytes to reach
// newSize. A negative skip prepends -skip zero-initialized bytes (requires
// a fresh segment, since there is no data to share for the new region).
func (b *Block) Resize(skip, newSize int) error {
	if newSize < 0 {
		return uerror.NewInvalid("ubuf.block.resize", nil)
	}
	if skip < 0 {
		mem, err := b.allocator.Alloc(-skip)
		if err != nil {
			return uerror.NewAlloc("ubuf.block.resize", err)
		}
		head := &Block{allocator: b.allocator, segs: []*segment{{sh: newShared(mem), offset: 0, length: -skip}}, size: -skip}
		if err := b.Prepend(head); err != nil {
			return err
		}
		skip = 0
	} else if skip > 0 {
		if skip > b.size {
			return uerror.NewInvalid("ubuf.block.resize", fmt.Errorf("skip %d exceeds size %d", skip, b.size))
		}
		remaining := skip
		var kept []*segment
		for _, s := range b.segs {
			if remaining <= 0 {
				kept = append(kept, s)
				continue
			}
			if remaining >= s.length {
				s.sh.release()
				remaining -= s.length
				continue
			}
			kept = append(kept, &segment{sh: s.sh, offset: s.offset + remaining, length: s.length - remaining})
			remaining = 0
		}
		b.segs = kept
		b.size -= skip
	}
	if newSize > b.size {
		pad, err := b.allocator.Alloc(newSize - b.size)
		if err != nil {
			return uerror.NewAlloc("ubuf.block.resize", err)
		}
		tail := &Block{allocator: b.allocator, segs: []*segment{{sh: newShared(pad), offset: 0, length: newSize - b.size}}, size: newSize - b.size}
		return b.Append(tail)
	}
	return b.Truncate(newSize)
}

// Splice produces a new Block sharing the [offset, offset+size) byte range
// of b without copying.
func (b *Block) Splice(offset, size int) (*Block, error) {
	if offset < 0 || size < 0 || offset+size > b.size {
		return nil, uerror.NewInvalid("ubuf.block.splice", nil)
	}
	nb := &Block{allocator: b.allocator, size: size}
	remaining := size
	skip := offset
	for _, s := range b.segs {
		if skip >= s.length {
			skip -= s.length
			continue
		}
		start := s.offset + skip
		avail := s.length - skip
		n := avail
		if n > remaining {
			n = remaining
		}
		nb.segs = append(nb.segs, &segment{sh: s.sh.use(), offset: start, length: n})
		remaining -= n
		skip = 0
		if remaining == 0 {
			break
		}
	}
	return nb, nil
}

// Peek returns a view of [offset,size): an in-place pointer when the range
// is contiguous within one segment, or a copy into scratch otherwise.
// Paired with PeekUnmap (a no-op here since Go slices need no unmapping,
// kept for API symmetry with picture/sound's map-before-access contract
// and to preserve the balanced map/unmap discipline spec §3 invariant (ii)
// requires across all ubuf kinds).
func (b *Block) Peek(offset, size int, scratch []byte) ([]byte, error) {
	data, err := b.Read(offset, size)
	if err != nil {
		return nil, err
	}
	if len(data) == size {
		return data, nil
	}
	if cap(scratch) < size {
		scratch = make([]byte, size)
	}
	scratch = scratch[:0]
	remaining := size
	off := offset
	for remaining > 0 {
		chunk, err := b.Read(off, remaining)
		if err != nil {
			return nil, err
		}
		scratch = append(scratch, chunk...)
		off += len(chunk)
		remaining -= len(chunk)
	}
	return scratch, nil
}

// PeekUnmap is the balancing call for Peek; see Peek's doc comment.
func (b *Block) PeekUnmap() {}

// SegmentCount reports the number of internal segments (diagnostic / test
// helper, not part of the spec contract surface).
func (b *Block) SegmentCount() int { return len(b.segs) }
