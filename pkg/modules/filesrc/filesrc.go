// Package filesrc reads back the record stream written by
// pkg/modules/filesink, a thin external-collaborator source (spec.md §1's
// "reading elementary streams back from files").
//
// Grounded on recorder.go's paired reader/writer framing convention
// (fixed-size tag header + payload, read until EOF) mirrored from write to
// read.
package filesrc

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/alxayo/upipe-go/pkg/ubuf"
	"github.com/alxayo/upipe-go/pkg/udict"
	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/umem"
	"github.com/alxayo/upipe-go/pkg/uref"
)

var recordMagic = [4]byte{'u', 'r', 'e', 'c'}

// Source reads back records written by filesink.Sink in uncompressed mode.
type Source struct {
	r     *bufio.Reader
	f     *os.File
	mgr   *udict.Manager
	alloc umem.Allocator
}

// Open opens path and validates the record-stream magic.
func Open(path string, mgr *udict.Manager, alloc umem.Allocator) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, uerror.NewExternal("filesrc.open", err)
	}
	r := bufio.NewReader(f)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		f.Close()
		return nil, uerror.NewExternal("filesrc.open.magic", err)
	}
	if magic != recordMagic {
		f.Close()
		return nil, uerror.NewInvalid("filesrc.open.bad_magic", nil)
	}
	if alloc == nil {
		alloc = umem.NewSimpleAllocator()
	}
	return &Source{r: r, f: f, mgr: mgr, alloc: alloc}, nil
}

// Name implements uprobe.Pipe.
func (s *Source) Name() string { return "filesrc" }

// Next reads and returns the next record as a uref, or io.EOF once the
// file is exhausted.
func (s *Source) Next() (*uref.Ref, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, uerror.NewExternal("filesrc.next.header", err)
	}
	dtsSys := binary.BigEndian.Uint64(hdr[0:8])
	size := binary.BigEndian.Uint32(hdr[8:12])

	blk, err := ubuf.AllocBlock(s.alloc, int(size))
	if err != nil {
		return nil, uerror.NewAlloc("filesrc.next.alloc", err)
	}
	dst, err := blk.Write(0, int(size))
	if err != nil {
		blk.Free()
		return nil, uerror.NewAlloc("filesrc.next.write", err)
	}
	if _, err := io.ReadFull(s.r, dst); err != nil {
		blk.Free()
		return nil, uerror.NewExternal("filesrc.next.payload", err)
	}

	ref := uref.Alloc(s.mgr)
	ref.AttachBlock(blk)
	ref.SetDtsSys(dtsSys)
	return ref, nil
}

// Close releases the underlying file handle.
func (s *Source) Close() error {
	return s.f.Close()
}
