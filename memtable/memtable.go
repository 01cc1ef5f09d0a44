// Package memtable implements the in-memory row table of one node: an
// arena of rows addressed by stable identifiers, plus one lookup
// structure per declared index. Indices never copy rows, they only
// hold identifiers, and the table records which indices each
// identifier is linked into, so removing an identifier keeps every
// index consistent in one step.
//
// The table is not safe for concurrent use by itself; the owning
// state handle serializes writers and shares readers (see the root
// package).
package memtable

import (
	"iter"
	"slices"

	"github.com/google/btree"

	"github.com/drpcorg/matstore/materrs"
	"github.com/drpcorg/matstore/rowval"
	"github.com/drpcorg/matstore/schema"
)

// entry is one distinct key of one index with every row id under it.
type entry struct {
	key  string
	rids []uint64
}

type index struct {
	desc   schema.Index
	hashed map[string][]uint64
	sorted *btree.BTreeG[*entry]
}

func newIndex(desc schema.Index) *index {
	return &index{
		desc:   desc,
		hashed: make(map[string][]uint64),
		sorted: btree.NewG(16, func(a, b *entry) bool { return a.key < b.key }),
	}
}

func (ix *index) link(key string, rid uint64) {
	ix.hashed[key] = append(ix.hashed[key], rid)
	e, ok := ix.sorted.Get(&entry{key: key})
	if !ok {
		e = &entry{key: key}
		ix.sorted.ReplaceOrInsert(e)
	}
	e.rids = append(e.rids, rid)
}

func (ix *index) unlink(key string, rid uint64) {
	rids := ix.hashed[key]
	if i := slices.Index(rids, rid); i >= 0 {
		rids = slices.Delete(rids, i, i+1)
	}
	if len(rids) == 0 {
		delete(ix.hashed, key)
		ix.sorted.Delete(&entry{key: key})
		return
	}
	ix.hashed[key] = rids
	if e, ok := ix.sorted.Get(&entry{key: key}); ok {
		if i := slices.Index(e.rids, rid); i >= 0 {
			e.rids = slices.Delete(e.rids, i, i+1)
		}
	}
}

// Affected names a key of another index that lost rows as collateral
// of an eviction and must be marked a hole there as well.
type Affected struct {
	Index    uint32
	KeyBytes string
}

type Table struct {
	sch   schema.Schema
	rows  map[uint64]rowval.Row
	links map[uint64][]uint32 // indices each rid is linked into
	next  uint64
	idx   map[uint32]*index
	bytes int64
}

func New(sch schema.Schema) *Table {
	t := &Table{
		sch:   sch,
		rows:  make(map[uint64]rowval.Row),
		links: make(map[uint64][]uint32),
		idx:   make(map[uint32]*index, len(sch.Indexes)),
	}
	for _, d := range sch.Indexes {
		t.idx[d.Id] = newIndex(d)
	}
	return t
}

func (t *Table) Len() int { return len(t.rows) }

// Bytes is the approximate resident size of all materialized rows.
func (t *Table) Bytes() int64 { return t.bytes }

// keysOf encodes the row's key for every index up front, so a bad row
// is rejected before any index is touched.
func (t *Table) keysOf(row rowval.Row) (map[uint32]string, error) {
	if len(row) != t.sch.Width {
		return nil, materrs.ErrKeyWidth
	}
	keys := make(map[uint32]string, len(t.idx))
	for id, ix := range t.idx {
		k, err := ix.desc.KeyOf(row)
		if err != nil {
			return nil, err
		}
		keys[id] = string(k.Bytes())
	}
	return keys, nil
}

// Insert adds one row, linking it into the given indices only; a
// partial index whose key is currently a hole is left untouched by
// the caller omitting it. Keys are encoded and unique constraints are
// checked for all indices before anything mutates.
func (t *Table) Insert(row rowval.Row, active []uint32) error {
	keys, err := t.keysOf(row)
	if err != nil {
		return err
	}
	for _, id := range active {
		ix, ok := t.idx[id]
		if !ok {
			return materrs.ErrNoSuchIndex
		}
		if ix.desc.Unique && len(ix.hashed[keys[id]]) > 0 {
			return materrs.ErrConstraintViolation
		}
	}
	if len(active) == 0 {
		return nil // every key is a hole, the row is not materialized
	}
	rid := t.next
	t.next++
	t.rows[rid] = row
	t.links[rid] = slices.Clone(active)
	for _, id := range active {
		t.idx[id].link(keys[id], rid)
	}
	t.bytes += row.Size()
	return nil
}

// Fill installs one replayed row under one index. If an equal row is
// already resident through another index, that identifier is linked
// into this index instead of allocating a second copy; one logical
// row keeps one identifier no matter how many indices reach it.
func (t *Table) Fill(row rowval.Row, indexID uint32) error {
	keys, err := t.keysOf(row)
	if err != nil {
		return err
	}
	ix, ok := t.idx[indexID]
	if !ok {
		return materrs.ErrNoSuchIndex
	}
	if ix.desc.Unique && len(ix.hashed[keys[indexID]]) > 0 {
		return materrs.ErrConstraintViolation
	}
	for id, other := range t.idx {
		if id == indexID {
			continue
		}
		for _, rid := range other.hashed[keys[id]] {
			if slices.Contains(t.links[rid], indexID) {
				continue
			}
			if t.rows[rid].Equal(row) {
				t.links[rid] = append(t.links[rid], indexID)
				ix.link(keys[indexID], rid)
				return nil
			}
		}
	}
	rid := t.next
	t.next++
	t.rows[rid] = row
	t.links[rid] = []uint32{indexID}
	ix.link(keys[indexID], rid)
	t.bytes += row.Size()
	return nil
}

// Remove drops one row by exact match, unlinking its identifier from
// every index it is actually a member of. A missing row is an
// upstream consistency bug and fails loudly, unless the active set is
// empty (the caller filters hole keys out beforehand).
func (t *Table) Remove(row rowval.Row, active []uint32) error {
	keys, err := t.keysOf(row)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}
	rid := uint64(0)
	found := false
	for _, id := range active {
		ix, ok := t.idx[id]
		if !ok {
			return materrs.ErrNoSuchIndex
		}
		for _, cand := range ix.hashed[keys[id]] {
			if t.rows[cand].Equal(row) {
				rid, found = cand, true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return materrs.ErrRowAbsent
	}
	for _, id := range t.links[rid] {
		t.idx[id].unlink(keys[id], rid)
	}
	delete(t.rows, rid)
	delete(t.links, rid)
	t.bytes -= row.Size()
	return nil
}

// Lookup returns a lazy, restartable sequence of rows matching the
// key. The sequence is only valid while the caller holds the node
// read lock.
func (t *Table) Lookup(indexID uint32, key rowval.Key) (iter.Seq[rowval.Row], error) {
	ix, ok := t.idx[indexID]
	if !ok {
		return nil, materrs.ErrNoSuchIndex
	}
	if len(key) != len(ix.desc.Columns) {
		return nil, materrs.ErrKeyWidth
	}
	kb := string(key.Bytes())
	return func(yield func(rowval.Row) bool) {
		for _, rid := range ix.hashed[kb] {
			if !yield(t.rows[rid]) {
				return
			}
		}
	}, nil
}

// RangeLookup scans [from, to) in key order over an index. Either
// bound may be nil for an open end.
func (t *Table) RangeLookup(indexID uint32, from, to rowval.Key) (iter.Seq[rowval.Row], error) {
	ix, ok := t.idx[indexID]
	if !ok {
		return nil, materrs.ErrNoSuchIndex
	}
	var lo, hi *entry
	if from != nil {
		lo = &entry{key: string(from.Bytes())}
	}
	if to != nil {
		hi = &entry{key: string(to.Bytes())}
	}
	return func(yield func(rowval.Row) bool) {
		walk := func(e *entry) bool {
			for _, rid := range e.rids {
				if !yield(t.rows[rid]) {
					return false
				}
			}
			return true
		}
		switch {
		case lo != nil && hi != nil:
			ix.sorted.AscendRange(lo, hi, walk)
		case lo != nil:
			ix.sorted.AscendGreaterOrEqual(lo, walk)
		case hi != nil:
			ix.sorted.AscendLessThan(hi, walk)
		default:
			ix.sorted.Ascend(walk)
		}
	}, nil
}

// EvictKey removes every row under one key of one index, unlinking
// each identifier from exactly the indices it is a member of. It
// reports the bytes freed and the keys of other indices that actually
// lost rows, so their trackers can be holed as well. The caller
// guarantees no index of the node is fully materialized.
func (t *Table) EvictKey(indexID uint32, keyBytes string) (freed int64, collateral []Affected) {
	ix, ok := t.idx[indexID]
	if !ok {
		return 0, nil
	}
	rids := slices.Clone(ix.hashed[keyBytes])
	seen := make(map[Affected]bool)
	for _, rid := range rids {
		row := t.rows[rid]
		for _, id := range t.links[rid] {
			other := t.idx[id]
			k, err := other.desc.KeyOf(row)
			if err != nil {
				continue
			}
			kb := string(k.Bytes())
			other.unlink(kb, rid)
			if id != indexID {
				a := Affected{Index: id, KeyBytes: kb}
				if !seen[a] {
					seen[a] = true
					collateral = append(collateral, a)
				}
			}
		}
		delete(t.rows, rid)
		delete(t.links, rid)
		freed += row.Size()
	}
	t.bytes -= freed
	return freed, collateral
}

// Clear drops everything, returning the table to the all-holes state.
func (t *Table) Clear() {
	t.rows = make(map[uint64]rowval.Row)
	t.links = make(map[uint64][]uint32)
	t.bytes = 0
	for id, ix := range t.idx {
		t.idx[id] = newIndex(ix.desc)
	}
}
