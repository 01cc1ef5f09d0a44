package rowval

import (
	"encoding/binary"
	"math"

	"github.com/drpcorg/matstore/materrs"
)

// Key encoding. Every cell is written as its kind tag followed by a
// payload whose byte order matches the Value order, so the
// concatenation of cells is usable both as a hash key and as an
// ordered key for range scans.
//
//	null   0x01
//	bool   0x02 b
//	int    0x03 u64be(v XOR sign bit)
//	float  0x04 u64be(order-flipped IEEE bits)
//	text   0x05 escaped bytes, 0x00 0x00 terminated
//	bytes  0x06 escaped bytes, 0x00 0x00 terminated
//
// Inside text/bytes payloads a literal 0x00 becomes 0x00 0xff, so the
// 0x00 0x00 terminator sorts before any continuation and prefixes
// order correctly.

const (
	escByte  = 0x00
	escCont  = 0xff
	escTerm  = 0x00
	signFlip = uint64(1) << 63
)

// AppendValue appends the order-preserving encoding of one cell.
func AppendValue(to []byte, v Value) []byte {
	to = append(to, byte(v.kind))
	switch v.kind {
	case KindNull:
	case KindBool:
		to = append(to, byte(v.num))
	case KindInt:
		to = binary.BigEndian.AppendUint64(to, v.num^signFlip)
	case KindFloat:
		bits := v.num
		if bits&signFlip != 0 {
			bits = ^bits
		} else {
			bits |= signFlip
		}
		to = binary.BigEndian.AppendUint64(to, bits)
	case KindText, KindBytes:
		for i := 0; i < len(v.str); i++ {
			if v.str[i] == escByte {
				to = append(to, escByte, escCont)
			} else {
				to = append(to, v.str[i])
			}
		}
		to = append(to, escByte, escTerm)
	}
	return to
}

// ParseValue consumes one encoded cell, returning it and the rest.
func ParseValue(from []byte) (v Value, rest []byte, err error) {
	if len(from) == 0 {
		return Value{}, nil, materrs.ErrBadValue
	}
	kind := Kind(from[0])
	rest = from[1:]
	switch kind {
	case KindNull:
		return Value{kind: kind}, rest, nil
	case KindBool:
		if len(rest) < 1 {
			return Value{}, nil, materrs.ErrBadValue
		}
		return Value{kind: kind, num: uint64(rest[0])}, rest[1:], nil
	case KindInt:
		if len(rest) < 8 {
			return Value{}, nil, materrs.ErrBadValue
		}
		return Value{kind: kind, num: binary.BigEndian.Uint64(rest) ^ signFlip}, rest[8:], nil
	case KindFloat:
		if len(rest) < 8 {
			return Value{}, nil, materrs.ErrBadValue
		}
		bits := binary.BigEndian.Uint64(rest)
		if bits&signFlip != 0 {
			bits &= ^signFlip
		} else {
			bits = ^bits
		}
		return Value{kind: kind, num: bits}, rest[8:], nil
	case KindText, KindBytes:
		buf := make([]byte, 0, 16)
		for len(rest) > 0 {
			c := rest[0]
			if c != escByte {
				buf = append(buf, c)
				rest = rest[1:]
				continue
			}
			if len(rest) < 2 {
				return Value{}, nil, materrs.ErrBadValue
			}
			switch rest[1] {
			case escCont:
				buf = append(buf, escByte)
				rest = rest[2:]
			case escTerm:
				return Value{kind: kind, str: string(buf)}, rest[2:], nil
			default:
				return Value{}, nil, materrs.ErrBadValue
			}
		}
		return Value{}, nil, materrs.ErrBadValue
	default:
		return Value{}, nil, materrs.ErrBadValue
	}
}

// Row codec for the durable table. This one is compact, not ordered:
// kind tag, then a varint length for text/bytes, raw u64 otherwise.

func AppendRow(to []byte, r Row) []byte {
	to = binary.AppendUvarint(to, uint64(len(r)))
	for _, v := range r {
		to = append(to, byte(v.kind))
		switch v.kind {
		case KindNull:
		case KindBool:
			to = append(to, byte(v.num))
		case KindInt, KindFloat:
			to = binary.BigEndian.AppendUint64(to, v.num)
		case KindText, KindBytes:
			to = binary.AppendUvarint(to, uint64(len(v.str)))
			to = append(to, v.str...)
		}
	}
	return to
}

func ParseRow(from []byte) (r Row, err error) {
	n, sz := binary.Uvarint(from)
	if sz <= 0 || n > math.MaxInt32 {
		return nil, materrs.ErrBadValue
	}
	from = from[sz:]
	r = make(Row, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(from) == 0 {
			return nil, materrs.ErrBadValue
		}
		kind := Kind(from[0])
		from = from[1:]
		switch kind {
		case KindNull:
			r = append(r, Value{kind: kind})
		case KindBool:
			if len(from) < 1 {
				return nil, materrs.ErrBadValue
			}
			r = append(r, Value{kind: kind, num: uint64(from[0])})
			from = from[1:]
		case KindInt, KindFloat:
			if len(from) < 8 {
				return nil, materrs.ErrBadValue
			}
			r = append(r, Value{kind: kind, num: binary.BigEndian.Uint64(from)})
			from = from[8:]
		case KindText, KindBytes:
			l, sz := binary.Uvarint(from)
			if sz <= 0 || uint64(len(from)-sz) < l {
				return nil, materrs.ErrBadValue
			}
			r = append(r, Value{kind: kind, str: string(from[sz : sz+int(l)])})
			from = from[sz+int(l):]
		default:
			return nil, materrs.ErrBadValue
		}
	}
	if len(from) != 0 {
		return nil, materrs.ErrBadValue
	}
	return r, nil
}
