package ubuf

// Void is the void variant of ubuf: carries no payload, only metadata (the
// owning uref's udict carries whatever attributes matter). Used for e.g.
// end-of-stream markers or control-only urefs.
type Void struct{}

// NewVoid returns a new Void marker value.
func NewVoid() *Void { return &Void{} }
