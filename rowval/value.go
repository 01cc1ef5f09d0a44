package rowval

import (
	"fmt"
	"math"
	"strconv"
)

// Kind tags the variant held by a Value. The numeric order of the
// tags is the cross-kind sort order of the key encoding, so the
// constants must never be reordered.
type Kind byte

const (
	KindNull  Kind = 0x01
	KindBool  Kind = 0x02
	KindInt   Kind = 0x03
	KindFloat Kind = 0x04
	KindText  Kind = 0x05
	KindBytes Kind = 0x06
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	default:
		return "bad"
	}
}

// Value is one typed cell of a Row. Values are immutable; all the
// constructors copy what they must so a Value can be shared freely
// between indices.
type Value struct {
	kind Kind
	num  uint64
	str  string
}

func Null() Value { return Value{kind: KindNull} }

func Bool(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

func Int(i int64) Value { return Value{kind: KindInt, num: uint64(i)} }

func Float(f float64) Value {
	if f == 0 {
		f = 0 // negative zero would break the order-preserving encoding
	}
	return Value{kind: KindFloat, num: math.Float64bits(f)}
}

func Text(s string) Value { return Value{kind: KindText, str: s} }

func Bytes(b []byte) Value { return Value{kind: KindBytes, str: string(b)} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool { return v.num != 0 }

func (v Value) Int() int64 { return int64(v.num) }

func (v Value) Float() float64 { return math.Float64frombits(v.num) }

func (v Value) Text() string { return v.str }

func (v Value) Bytes() []byte { return []byte(v.str) }

// Size is the approximate resident size of the cell, used for the
// memory accounting only. It needs to be cheap, not exact.
func (v Value) Size() int64 {
	return 16 + int64(len(v.str))
}

func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.num == o.num && v.str == o.str
}

// Compare orders two Values the same way their key encodings order
// as byte strings. Cross-kind comparisons order by tag.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindNull:
		return 0
	case KindBool, KindInt:
		a, b := int64(v.num), int64(o.num)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	case KindFloat:
		a, b := v.Float(), o.Float()
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	default:
		switch {
		case v.str < o.str:
			return -1
		case v.str > o.str:
			return 1
		}
		return 0
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(int64(v.num), 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindText:
		return strconv.Quote(v.str)
	case KindBytes:
		return fmt.Sprintf("x%x", v.str)
	default:
		return "?"
	}
}
