package rowval

import (
	"strings"

	"github.com/drpcorg/matstore/materrs"
)

// Row is an ordered tuple of typed cells. Rows are immutable once
// constructed; an update is modeled upstream as remove-old plus
// insert-new.
type Row []Value

func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Size is the approximate resident size of the row, for the memory
// accounting.
func (r Row) Size() (sz int64) {
	sz = 24
	for _, v := range r {
		sz += v.Size()
	}
	return
}

func (r Row) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, v := range r {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(v.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// Key is an ordered tuple of cells drawn from a Row per an index's
// column list. Its byte encoding (see encode.go) is total
// order-preserving, so one encoding serves hashed and ranged lookups.
type Key []Value

func (k Key) Bytes() []byte {
	buf := make([]byte, 0, 8*len(k)+len(k))
	for _, v := range k {
		buf = AppendValue(buf, v)
	}
	return buf
}

func (k Key) Equal(o Key) bool { return Row(k).Equal(Row(o)) }

func (k Key) Compare(o Key) int {
	n := min(len(k), len(o))
	for i := 0; i < n; i++ {
		if c := k[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	return len(k) - len(o)
}

func (k Key) String() string { return Row(k).String() }

// ParseKey decodes the ordered encoding back into cells. width guards
// against trailing garbage; pass a negative width to accept any.
func ParseKey(from []byte, width int) (k Key, err error) {
	for len(from) > 0 {
		var v Value
		v, from, err = ParseValue(from)
		if err != nil {
			return nil, err
		}
		k = append(k, v)
	}
	if width >= 0 && len(k) != width {
		return nil, materrs.ErrKeyWidth
	}
	return k, nil
}

// Delta is one row-level change to a node: an insert or a removal.
type Delta struct {
	Row Row
	Neg bool // true for removal
}

func Insert(r Row) Delta { return Delta{Row: r} }

func Remove(r Row) Delta { return Delta{Row: r, Neg: true} }
