// Package udict implements the ordered attribute dictionary: a flat
// byte-record layout keyed by {name, type}, with a manager-global
// shorthand-id table so well-known attribute names ("flow.def",
// "clock.pts.sys", "pic.key", ...) compress to a single byte on the wire.
//
// Dispatch-by-type-byte is grounded on AMF0's marker-byte switch,
// generalized from AMF0's six markers to udict's ten value kinds and from
// long-form-only encoding to a shorthand/long-form split.
package udict

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/alxayo/upipe-go/pkg/uerror"
)

// Type identifies the kind of value stored for an attribute.
type Type uint8

const (
	TypeVoid Type = iota
	TypeBool
	TypeSmallUnsigned
	TypeSmallInt
	TypeUnsigned
	TypeInt
	TypeFloat
	TypeRational
	TypeString
	TypeOpaque
)

// Rational is a num/den pair (used for e.g. pixel aspect ratio, frame rate).
type Rational struct {
	Num, Den int64
}

// shorthandEntry binds a single byte id to a well-known (name, type) pair.
type shorthandEntry struct {
	name string
	typ  Type
}

// Manager owns the shorthand-id table shared by every Dict it creates.
// Grounded on amf's marker-byte table, generalized to a mutable registry
// since udict's shorthand ids are attribute-name specific, not fixed by a
// wire-format standard.
type Manager struct {
	byID   map[uint8]shorthandEntry
	byName map[string]uint8
	next   uint8
}

// NewManager creates a manager preloaded with the well-known attribute
// names spec §4.B calls out by name.
func NewManager() *Manager {
	m := &Manager{byID: make(map[uint8]shorthandEntry), byName: make(map[string]uint8), next: 0x80}
	for _, wk := range []shorthandEntry{
		{"flow.def", TypeString},
		{"clock.pts.sys", TypeUnsigned},
		{"clock.pts.prog", TypeUnsigned},
		{"clock.dts.sys", TypeUnsigned},
		{"clock.dts.prog", TypeUnsigned},
		{"clock.cr.sys", TypeUnsigned},
		{"clock.cr.prog", TypeUnsigned},
		{"clock.duration", TypeUnsigned},
		{"pic.key", TypeBool},
		{"pic.hflip", TypeBool},
		{"block.start", TypeBool},
		{"flow.pid", TypeSmallUnsigned},
	} {
		m.Register(wk.name, wk.typ)
	}
	return m
}

// Register assigns the next free shorthand id to name/typ. Registering the
// same name twice is a no-op. Panics if the 128-entry shorthand space
// (0x80-0xFF) is exhausted — that is a programming error (too many
// well-known names), not a runtime condition.
func (m *Manager) Register(name string, typ Type) uint8 {
	if id, ok := m.byName[name]; ok {
		return id
	}
	if m.next == 0 { // wrapped past 0xFF
		panic("udict: shorthand id space exhausted")
	}
	id := m.next
	m.next++
	m.byID[id] = shorthandEntry{name: name, typ: typ}
	m.byName[name] = id
	return id
}

// Shorthand returns the shorthand id for name/typ, and whether one exists.
func (m *Manager) Shorthand(name string, typ Type) (uint8, bool) {
	id, ok := m.byName[name]
	if !ok || m.byID[id].typ != typ {
		return 0, false
	}
	return id, true
}

// attr is one stored attribute: a typed value keyed by name.
type attr struct {
	name string
	typ  Type
	b    bool
	i    int64
	u    uint64
	f    float64
	rat  Rational
	s    string
	op   []byte
}

// Dict is an ordered map of attributes, encoded in insertion order.
type Dict struct {
	mgr   *Manager
	order []string
	attrs map[string]attr
}

// New creates an empty Dict bound to mgr (for shorthand compaction).
func New(mgr *Manager) *Dict {
	if mgr == nil {
		mgr = NewManager()
	}
	return &Dict{mgr: mgr, attrs: make(map[string]attr)}
}

func (d *Dict) set(a attr) {
	if _, exists := d.attrs[a.name]; !exists {
		d.order = append(d.order, a.name)
	}
	d.attrs[a.name] = a
}

func (d *Dict) SetBool(name string, v bool) { d.set(attr{name: name, typ: TypeBool, b: v}) }
func (d *Dict) SetSmallUnsigned(name string, v uint8) {
	d.set(attr{name: name, typ: TypeSmallUnsigned, u: uint64(v)})
}
func (d *Dict) SetSmallInt(name string, v int8) {
	d.set(attr{name: name, typ: TypeSmallInt, i: int64(v)})
}
func (d *Dict) SetUnsigned(name string, v uint64) { d.set(attr{name: name, typ: TypeUnsigned, u: v}) }
func (d *Dict) SetInt(name string, v int64)       { d.set(attr{name: name, typ: TypeInt, i: v}) }
func (d *Dict) SetFloat(name string, v float64)   { d.set(attr{name: name, typ: TypeFloat, f: v}) }
func (d *Dict) SetRational(name string, v Rational) {
	d.set(attr{name: name, typ: TypeRational, rat: v})
}
func (d *Dict) SetString(name string, v string) { d.set(attr{name: name, typ: TypeString, s: v}) }
func (d *Dict) SetOpaque(name string, v []byte) {
	cp := make([]byte, len(v))
	copy(cp, v)
	d.set(attr{name: name, typ: TypeOpaque, op: cp})
}

// Delete removes name if present.
func (d *Dict) Delete(name string) {
	if _, ok := d.attrs[name]; !ok {
		return
	}
	delete(d.attrs, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// get fetches the raw attr the typed getters below build on. A missing
// attribute and a type mismatch both return a uerror.Invalid error.
func (d *Dict) get(name string, want Type) (attr, error) {
	a, ok := d.attrs[name]
	if !ok {
		return attr{}, uerror.NewInvalid("udict.get", fmt.Errorf("attribute %q not found", name))
	}
	if a.typ != want {
		return attr{}, uerror.NewInvalid("udict.get", fmt.Errorf("attribute %q has type %d, want %d", name, a.typ, want))
	}
	return a, nil
}

func (d *Dict) GetBool(name string) (bool, error) {
	a, err := d.get(name, TypeBool)
	return a.b, err
}
func (d *Dict) GetSmallUnsigned(name string) (uint8, error) {
	a, err := d.get(name, TypeSmallUnsigned)
	return uint8(a.u), err
}
func (d *Dict) GetSmallInt(name string) (int8, error) {
	a, err := d.get(name, TypeSmallInt)
	return int8(a.i), err
}
func (d *Dict) GetUnsigned(name string) (uint64, error) {
	a, err := d.get(name, TypeUnsigned)
	return a.u, err
}
func (d *Dict) GetInt(name string) (int64, error) {
	a, err := d.get(name, TypeInt)
	return a.i, err
}
func (d *Dict) GetFloat(name string) (float64, error) {
	a, err := d.get(name, TypeFloat)
	return a.f, err
}
func (d *Dict) GetRational(name string) (Rational, error) {
	a, err := d.get(name, TypeRational)
	return a.rat, err
}
func (d *Dict) GetString(name string) (string, error) {
	a, err := d.get(name, TypeString)
	return a.s, err
}
func (d *Dict) GetOpaque(name string) ([]byte, error) {
	a, err := d.get(name, TypeOpaque)
	return a.op, err
}

// Has reports whether name is present (any type).
func (d *Dict) Has(name string) bool {
	_, ok := d.attrs[name]
	return ok
}

// Names returns attribute names in insertion order.
func (d *Dict) Names() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Len returns the number of attributes.
func (d *Dict) Len() int { return len(d.order) }

// Dup returns a deep copy of d (values are copied; opaque slices are cloned).
func (d *Dict) Dup() *Dict {
	nd := New(d.mgr)
	for _, name := range d.order {
		a := d.attrs[name]
		if a.typ == TypeOpaque {
			cp := make([]byte, len(a.op))
			copy(cp, a.op)
			a.op = cp
		}
		nd.order = append(nd.order, name)
		nd.attrs[name] = a
	}
	return nd
}

// Encode serializes the dict to its binary record layout: a sequence of
// {type-byte, name-or-elided, value} records in insertion order. Shorthand
// types (>= 0x80) elide both the name and base type via the manager table;
// long form carries a 16-bit name length, the NUL-terminated name, then the
// value.
func (d *Dict) Encode() []byte {
	var out []byte
	for _, name := range d.order {
		a := d.attrs[name]
		if id, ok := d.mgr.Shorthand(name, a.typ); ok {
			out = append(out, id)
		} else {
			out = append(out, byte(a.typ))
			nameBytes := append([]byte(name), 0)
			var lenBuf [2]byte
			binary.BigEndian.PutUint16(lenBuf[:], uint16(len(nameBytes)))
			out = append(out, lenBuf[:]...)
			out = append(out, nameBytes...)
		}
		out = appendValue(out, a)
	}
	return out
}

func appendValue(out []byte, a attr) []byte {
	switch a.typ {
	case TypeVoid:
		return out
	case TypeBool:
		if a.b {
			return append(out, 1)
		}
		return append(out, 0)
	case TypeSmallUnsigned:
		return append(out, byte(a.u))
	case TypeSmallInt:
		return append(out, byte(int8(a.i)))
	case TypeUnsigned:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], a.u)
		return append(out, b[:]...)
	case TypeInt:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(a.i))
		return append(out, b[:]...)
	case TypeFloat:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(a.f))
		return append(out, b[:]...)
	case TypeRational:
		var b [16]byte
		binary.BigEndian.PutUint64(b[0:8], uint64(a.rat.Num))
		binary.BigEndian.PutUint64(b[8:16], uint64(a.rat.Den))
		return append(out, b[:]...)
	case TypeString:
		return append(append(out, []byte(a.s)...), 0)
	case TypeOpaque:
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(a.op)))
		out = append(out, lenBuf[:]...)
		return append(out, a.op...)
	default:
		return out
	}
}
