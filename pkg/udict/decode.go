package udict

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/alxayo/upipe-go/pkg/uerror"
)

// Decode parses the binary record layout produced by Encode back into a
// Dict bound to mgr. It walks records by decoding each leading type byte,
// mirroring AMF0's marker-driven decode loop.
func Decode(mgr *Manager, data []byte) (*Dict, error) {
	d := New(mgr)
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		tb, err := r.ReadByte()
		if err != nil {
			return nil, uerror.NewInvalid("udict.decode", err)
		}
		var name string
		var typ Type
		if tb >= 0x80 {
			entry, ok := mgr.byID[tb]
			if !ok {
				return nil, uerror.NewInvalid("udict.decode", fmt.Errorf("unknown shorthand id 0x%02x", tb))
			}
			name, typ = entry.name, entry.typ
		} else {
			typ = Type(tb)
			var lenBuf [2]byte
			if _, err := fillExact(r, lenBuf[:]); err != nil {
				return nil, uerror.NewInvalid("udict.decode.name_len", err)
			}
			nlen := int(binary.BigEndian.Uint16(lenBuf[:]))
			nameBuf := make([]byte, nlen)
			if _, err := fillExact(r, nameBuf); err != nil {
				return nil, uerror.NewInvalid("udict.decode.name", err)
			}
			if nlen == 0 || nameBuf[nlen-1] != 0 {
				return nil, uerror.NewInvalid("udict.decode.name", fmt.Errorf("name not NUL-terminated"))
			}
			name = string(nameBuf[:nlen-1])
		}
		a, err := decodeValue(r, name, typ)
		if err != nil {
			return nil, err
		}
		d.order = append(d.order, name)
		d.attrs[name] = a
	}
	return d, nil
}

func fillExact(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, fmt.Errorf("short read")
		}
	}
	return n, nil
}

func decodeValue(r *bytes.Reader, name string, typ Type) (attr, error) {
	a := attr{name: name, typ: typ}
	switch typ {
	case TypeVoid:
		return a, nil
	case TypeBool:
		b, err := r.ReadByte()
		if err != nil {
			return a, uerror.NewInvalid("udict.decode.bool", err)
		}
		a.b = b != 0
		return a, nil
	case TypeSmallUnsigned:
		b, err := r.ReadByte()
		if err != nil {
			return a, uerror.NewInvalid("udict.decode.small_unsigned", err)
		}
		a.u = uint64(b)
		return a, nil
	case TypeSmallInt:
		b, err := r.ReadByte()
		if err != nil {
			return a, uerror.NewInvalid("udict.decode.small_int", err)
		}
		a.i = int64(int8(b))
		return a, nil
	case TypeUnsigned:
		var b [8]byte
		if _, err := fillExact(r, b[:]); err != nil {
			return a, uerror.NewInvalid("udict.decode.unsigned", err)
		}
		a.u = binary.BigEndian.Uint64(b[:])
		return a, nil
	case TypeInt:
		var b [8]byte
		if _, err := fillExact(r, b[:]); err != nil {
			return a, uerror.NewInvalid("udict.decode.int", err)
		}
		a.i = int64(binary.BigEndian.Uint64(b[:]))
		return a, nil
	case TypeFloat:
		var b [8]byte
		if _, err := fillExact(r, b[:]); err != nil {
			return a, uerror.NewInvalid("udict.decode.float", err)
		}
		a.f = math.Float64frombits(binary.BigEndian.Uint64(b[:]))
		return a, nil
	case TypeRational:
		var b [16]byte
		if _, err := fillExact(r, b[:]); err != nil {
			return a, uerror.NewInvalid("udict.decode.rational", err)
		}
		a.rat = Rational{Num: int64(binary.BigEndian.Uint64(b[0:8])), Den: int64(binary.BigEndian.Uint64(b[8:16]))}
		return a, nil
	case TypeString:
		var s []byte
		for {
			c, err := r.ReadByte()
			if err != nil {
				return a, uerror.NewInvalid("udict.decode.string", err)
			}
			if c == 0 {
				break
			}
			s = append(s, c)
		}
		a.s = string(s)
		return a, nil
	case TypeOpaque:
		var lenBuf [4]byte
		if _, err := fillExact(r, lenBuf[:]); err != nil {
			return a, uerror.NewInvalid("udict.decode.opaque_len", err)
		}
		n := int(binary.BigEndian.Uint32(lenBuf[:]))
		buf := make([]byte, n)
		if _, err := fillExact(r, buf); err != nil {
			return a, uerror.NewInvalid("udict.decode.opaque", err)
		}
		a.op = buf
		return a, nil
	default:
		return a, uerror.NewInvalid("udict.decode", fmt.Errorf("unknown type byte %d", typ))
	}
}
