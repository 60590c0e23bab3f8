// Package filesink persists urefs to a file as a simple length-prefixed
// record stream, optionally snappy-compressed.
//
// Single-writer file sink: header written once, graceful degradation
// (disable on first write error rather than panicking the calling pipe's
// dispatch loop), and an injectable io.WriteCloser for tests standing in
// for a failing disk.
package filesink

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/golang/snappy"

	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/uref"
)

// recordMagic identifies the container format version, written once at
// the start of the file (uncompressed, so a reader can tell whether the
// remainder is snappy-framed without guessing).
var recordMagic = [4]byte{'u', 'r', 'e', 'c'}

// Sink writes a sequence of (dts_sys, payload) records to one file.
type Sink struct {
	mu          sync.Mutex
	w           io.Writer
	closer      io.Closer
	logger      *slog.Logger
	wroteHeader bool
	written     uint64
	disabled    bool
}

// New creates a Sink writing to path. When compress is true, records are
// written through a snappy.Writer (github.com/golang/snappy), trading CPU
// for disk space on archival recordings.
func New(path string, compress bool, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, uerror.NewExternal("filesink.new.create", err)
	}
	return newWithWriter(f, f, compress, logger), nil
}

// newWithWriter lets tests inject a failing writer in place of a real file.
func newWithWriter(w io.Writer, closer io.Closer, compress bool, logger *slog.Logger) *Sink {
	s := &Sink{w: w, closer: closer, logger: logger}
	if err := s.writeHeader(); err != nil {
		s.logger.Error("filesink: header write failed", "err", err)
		s.disabled = true
	}
	if compress {
		s.w = snappy.NewBufferedWriter(w)
	}
	return s
}

// Name implements uprobe.Pipe.
func (s *Sink) Name() string { return "filesink" }

func (s *Sink) writeHeader() error {
	_, err := s.w.Write(recordMagic[:])
	if err == nil {
		s.wroteHeader = true
	}
	return err
}

// Disabled reports whether a prior write error has permanently stopped
// this sink (mirrors Recorder.Disabled's graceful-degradation contract).
func (s *Sink) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

// Input writes one uref's block payload as a record: 8-byte dts_sys,
// 4-byte length, payload bytes. Non-block payloads and refs with no
// attached block are rejected as Invalid. A write error disables the sink
// for all subsequent calls rather than propagating a fatal error upstream,
// matching spec.md §7's "I/O errors on a source throw source_end and
// quiesce" recovery policy applied to a sink's own write path.
func (s *Sink) Input(ref *uref.Ref) error {
	if ref.Block == nil {
		return uerror.NewInvalid("filesink.input.no_block", nil)
	}
	data, err := ref.Block.Read(0, ref.Block.Size())
	if err != nil {
		return uerror.NewInvalid("filesink.input.read", err)
	}
	dtsSys, _ := ref.GetDtsSys()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return nil
	}

	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], dtsSys)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(data)))
	if _, err := s.w.Write(hdr[:]); err != nil {
		s.disable(err)
		return nil
	}
	if _, err := s.w.Write(data); err != nil {
		s.disable(err)
		return nil
	}
	s.written += uint64(len(hdr) + len(data))
	return nil
}

func (s *Sink) disable(err error) {
	s.logger.Error("filesink: write failed, disabling", "err", err)
	s.disabled = true
}

// BytesWritten reports the cumulative record bytes (headers + payload)
// written so far.
func (s *Sink) BytesWritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close flushes any buffered compressed output and closes the underlying
// file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fl, ok := s.w.(interface{ Flush() error }); ok {
		if err := fl.Flush(); err != nil {
			return fmt.Errorf("filesink.close.flush: %w", err)
		}
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
