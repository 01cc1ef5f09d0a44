package schema

// A node's schema declares the lookup paths into its rows. Each Index
// names an ordered list of key columns, a uniqueness flag and a
// materialization mode. Indices are created when the node is
// materialized and stay immutable for the node's lifetime; a schema
// change upstream produces a new node.

import (
	"github.com/drpcorg/matstore/materrs"
	"github.com/drpcorg/matstore/rowval"
)

type Mode byte

const (
	Full    Mode = 'F'
	Partial Mode = 'P'
)

type Index struct {
	Id      uint32
	Columns []int
	Unique  bool
	Mode    Mode
}

func (ix Index) Valid(width int) bool {
	if len(ix.Columns) == 0 {
		return false
	}
	seen := make(map[int]bool, len(ix.Columns))
	for _, c := range ix.Columns {
		if c < 0 || c >= width || seen[c] {
			return false
		}
		seen[c] = true
	}
	return ix.Mode == Full || ix.Mode == Partial
}

// KeyOf extracts the index key from a row. Deterministic: the same
// row always yields the same key bytes.
func (ix Index) KeyOf(r rowval.Row) (rowval.Key, error) {
	k := make(rowval.Key, 0, len(ix.Columns))
	for _, c := range ix.Columns {
		if c >= len(r) {
			return nil, materrs.ErrKeyWidth
		}
		k = append(k, r[c])
	}
	return k, nil
}

type Schema struct {
	Name    string
	Width   int // number of columns per row
	Indexes []Index
	Primary int // position in Indexes of the primary index, -1 if none
}

func (s Schema) Valid() error {
	if s.Width <= 0 || len(s.Indexes) == 0 {
		return materrs.ErrBadSchema
	}
	seen := make(map[uint32]bool, len(s.Indexes))
	for _, ix := range s.Indexes {
		if !ix.Valid(s.Width) || seen[ix.Id] {
			return materrs.ErrBadSchema
		}
		seen[ix.Id] = true
	}
	if s.Primary < -1 || s.Primary >= len(s.Indexes) {
		return materrs.ErrBadSchema
	}
	return nil
}

func (s Schema) Find(id uint32) (Index, bool) {
	for _, ix := range s.Indexes {
		if ix.Id == id {
			return ix, true
		}
	}
	return Index{}, false
}

// AnyPartial reports whether the node holds partial state at all.
func (s Schema) AnyPartial() bool {
	for _, ix := range s.Indexes {
		if ix.Mode == Partial {
			return true
		}
	}
	return false
}

// PrimaryIndex returns the index used for the canonical durable
// layout. Durability requires one to be declared.
func (s Schema) PrimaryIndex() (Index, bool) {
	if s.Primary < 0 || s.Primary >= len(s.Indexes) {
		return Index{}, false
	}
	return s.Indexes[s.Primary], true
}
