// Package nullsink discards every uref it receives, freeing the attached
// payload immediately. Useful for benchmarking a pipeline's upstream
// stages in isolation from any real sink's I/O cost, and as the default
// destination for a pipe output nobody has wired up yet.
package nullsink

import "github.com/alxayo/upipe-go/pkg/uref"

// Sink drops every input.
type Sink struct {
	count uint64
}

// Name implements uprobe.Pipe.
func (s *Sink) Name() string { return "nullsink" }

// Input frees ref's payload and counts the call.
func (s *Sink) Input(ref *uref.Ref) error {
	s.count++
	ref.Free()
	return nil
}

// Count returns the number of urefs discarded so far.
func (s *Sink) Count() uint64 { return s.count }
