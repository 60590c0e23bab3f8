package upipe

import "github.com/alxayo/upipe-go/pkg/uref"

// Bin wraps a first (input-facing) pipe and a last (output-facing) pipe so
// a multi-pipe internal graph can be handed around and linked as if it were
// a single pipe — the bin pattern. PushInput feeds First; SetOutput on the
// bin links Last's output, leaving the internal wiring between First and
// Last untouched.
type Bin struct {
	First *Pipe
	Last  *Pipe
}

// NewBin wires first and last into a Bin. The caller is responsible for any
// internal linkage between them (first's output, intermediate pipes, …)
// before constructing the Bin.
func NewBin(first, last *Pipe) *Bin {
	return &Bin{First: first, Last: last}
}

// PushInput implements Input by forwarding to the bin's entry pipe.
func (b *Bin) PushInput(ref *uref.Ref) error {
	return b.First.Input(ref)
}

// SetOutput links the bin's exit pipe to out.
func (b *Bin) SetOutput(out Input) error {
	_, err := b.Last.Control(CmdSetOutput, out)
	return err
}
