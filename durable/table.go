// Package durable persists a node's rows in an embedded pebble store.
// Rows live once under the primary index namespace; every other index
// holds references into it. Each upstream transaction lands as one
// atomic pebble batch that carries the advanced replication
// checkpoint, so data and checkpoint can never diverge on disk.
//
// Key layout, one byte of namespace tag first:
//
//	'M'                                  -> magic, version, schema name
//	'N'                                  -> next synthetic row id (u64 BE)
//	'C'                                  -> replication checkpoint
//	'R' idx(u32 BE) keybytes rid(u64 BE) -> encoded row    (primary)
//	'S' idx(u32 BE) keybytes rid(u64 BE) -> primary row key (secondary)
//
// Key bytes are self-terminating (see rowval), so prefix scans over
// one key never bleed into a neighbouring key.
package durable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/matstore/materrs"
	"github.com/drpcorg/matstore/rowval"
	"github.com/drpcorg/matstore/schema"
	"github.com/drpcorg/matstore/utils"
)

const (
	tagMeta       = 'M'
	tagNextRid    = 'N'
	tagCheckpoint = 'C'
	tagPrimary    = 'R'
	tagSecondary  = 'S'
)

var magic = []byte("MATSTORE\x01")

// Durable writes must reach stable storage before ApplyBatch acks.
var writeOptions = pebble.WriteOptions{Sync: true}

type Table struct {
	db   *pebble.DB
	dir  string
	sch  schema.Schema
	prim schema.Index
	next uint64
	log  utils.Logger
}

func metaKey() []byte { return []byte{tagMeta} }

func nextRidKey() []byte { return []byte{tagNextRid} }

func checkpointKey() []byte { return []byte{tagCheckpoint} }

func rowKey(tag byte, index uint32, keyBytes []byte, rid uint64) []byte {
	k := make([]byte, 0, 1+4+len(keyBytes)+8)
	k = append(k, tag)
	k = binary.BigEndian.AppendUint32(k, index)
	k = append(k, keyBytes...)
	k = binary.BigEndian.AppendUint64(k, rid)
	return k
}

func keyPrefix(tag byte, index uint32, keyBytes []byte) []byte {
	k := make([]byte, 0, 1+4+len(keyBytes))
	k = append(k, tag)
	k = binary.BigEndian.AppendUint32(k, index)
	return append(k, keyBytes...)
}

// prefixEnd is the smallest key greater than every key with the given
// prefix, for iterator upper bounds.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff, scan to the end
}

func ioErr(err error) error {
	return errors.Join(materrs.ErrStorageIO, err)
}

// Open opens or creates the durable table of one node. An existing
// store is validated against the schema; a checkpoint without data,
// data without a checkpoint, or a corrupt record all fail with
// ErrRecoveryInconsistency rather than being repaired silently.
func Open(dir string, sch schema.Schema, log utils.Logger) (t *Table, err error) {
	prim, ok := sch.PrimaryIndex()
	if !ok {
		return nil, materrs.ErrBadSchema
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, ioErr(err)
	}
	t = &Table{db: db, dir: dir, sch: sch, prim: prim, log: log}
	if err = t.validate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Table) validate() error {
	meta, closer, err := t.db.Get(metaKey())
	switch {
	case err == pebble.ErrNotFound:
		// fresh store: refuse to adopt stray data or checkpoints
		if t.hasAny(tagPrimary) || t.hasAny(tagCheckpoint) {
			return materrs.ErrRecoveryInconsistency
		}
		b := t.db.NewBatch()
		_ = b.Set(metaKey(), append(bytes.Clone(magic), t.sch.Name...), nil)
		_ = b.Set(nextRidKey(), binary.BigEndian.AppendUint64(nil, 0), nil)
		if err := t.db.Apply(b, &writeOptions); err != nil {
			return ioErr(err)
		}
		return nil
	case err != nil:
		return ioErr(err)
	}
	defer closer.Close()
	if !bytes.HasPrefix(meta, magic) || string(meta[len(magic):]) != t.sch.Name {
		return materrs.ErrRecoveryInconsistency
	}
	if t.hasAny(tagPrimary) && !t.hasAny(tagCheckpoint) {
		return materrs.ErrRecoveryInconsistency
	}
	nb, closer2, err := t.db.Get(nextRidKey())
	switch {
	case err == pebble.ErrNotFound:
		return materrs.ErrRecoveryInconsistency
	case err != nil:
		return ioErr(err)
	}
	if len(nb) != 8 {
		_ = closer2.Close()
		return materrs.ErrRecoveryInconsistency
	}
	t.next = binary.BigEndian.Uint64(nb)
	return closer2.Close()
}

func (t *Table) hasAny(tag byte) bool {
	it, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{tag},
		UpperBound: []byte{tag + 1},
	})
	if err != nil {
		return false
	}
	defer it.Close()
	return it.First()
}

func (t *Table) Close() error {
	if t.db == nil {
		return materrs.ErrClosed
	}
	err := t.db.Close()
	t.db = nil
	return err
}

// DB exposes the underlying store for metrics collection.
func (t *Table) DB() *pebble.DB { return t.db }

// Checkpoint reads the last durably recorded replication position.
// ok is false for a store that never committed a batch.
func (t *Table) Checkpoint() (pos rowval.LogPosition, ok bool, err error) {
	val, closer, err := t.db.Get(checkpointKey())
	if err == pebble.ErrNotFound {
		return rowval.LogPosition{}, false, nil
	}
	if err != nil {
		return rowval.LogPosition{}, false, ioErr(err)
	}
	defer closer.Close()
	pos, err = rowval.LogPositionFromBytes(val)
	if err != nil {
		return rowval.LogPosition{}, false, materrs.ErrRecoveryInconsistency
	}
	return pos, true, nil
}

// findRid locates the synthetic row id of an exact row under its
// primary key, for removal. The reader is the indexed batch during
// ApplyBatch, so earlier writes of the same batch are visible.
func (t *Table) findRid(r pebble.Reader, pk []byte, row rowval.Row) (rid uint64, found bool, err error) {
	prefix := keyPrefix(tagPrimary, t.prim.Id, pk)
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return 0, false, ioErr(err)
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		got, perr := rowval.ParseRow(it.Value())
		if perr != nil {
			return 0, false, materrs.ErrRecoveryInconsistency
		}
		if got.Equal(row) {
			k := it.Key()
			return binary.BigEndian.Uint64(k[len(k)-8:]), true, nil
		}
	}
	return 0, false, nil
}

// ApplyBatch commits all row changes of one upstream transaction plus
// the advanced checkpoint in a single durable write. Once it returns
// nil the batch survives a crash; a crash mid-batch leaves the prior
// state intact.
func (t *Table) ApplyBatch(deltas []rowval.Delta, pos rowval.LogPosition) error {
	if t.db == nil {
		return materrs.ErrClosed
	}
	b := t.db.NewIndexedBatch()
	defer b.Close()
	next := t.next
	for _, d := range deltas {
		pkey, err := t.prim.KeyOf(d.Row)
		if err != nil {
			return err
		}
		pk := pkey.Bytes()
		if d.Neg {
			rid, found, err := t.findRid(b, pk, d.Row)
			if err != nil {
				return err
			}
			if !found {
				return materrs.ErrRowAbsent
			}
			_ = b.Delete(rowKey(tagPrimary, t.prim.Id, pk, rid), nil)
			for _, ix := range t.sch.Indexes {
				if ix.Id == t.prim.Id {
					continue
				}
				k, err := ix.KeyOf(d.Row)
				if err != nil {
					return err
				}
				_ = b.Delete(rowKey(tagSecondary, ix.Id, k.Bytes(), rid), nil)
			}
			continue
		}
		if t.prim.Unique {
			if taken, err := contains(b, tagPrimary, t.prim.Id, pk); err != nil {
				return err
			} else if taken {
				return materrs.ErrConstraintViolation
			}
		}
		rid := next
		next++
		prim := rowKey(tagPrimary, t.prim.Id, pk, rid)
		_ = b.Set(prim, rowval.AppendRow(nil, d.Row), nil)
		for _, ix := range t.sch.Indexes {
			if ix.Id == t.prim.Id {
				continue
			}
			k, err := ix.KeyOf(d.Row)
			if err != nil {
				return err
			}
			_ = b.Set(rowKey(tagSecondary, ix.Id, k.Bytes(), rid), prim, nil)
		}
	}
	_ = b.Set(nextRidKey(), binary.BigEndian.AppendUint64(nil, next), nil)
	_ = b.Set(checkpointKey(), pos.Bytes(), nil)
	if err := b.Commit(&writeOptions); err != nil {
		return ioErr(err)
	}
	t.next = next
	return nil
}

func contains(r pebble.Reader, tag byte, index uint32, keyBytes []byte) (bool, error) {
	prefix := keyPrefix(tag, index, keyBytes)
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return false, ioErr(err)
	}
	defer it.Close()
	return it.First(), nil
}

// Contains is the disk-presence hit test: cold-start lookups on a
// partial durable node consult it before declaring a hole.
func (t *Table) Contains(index uint32, key rowval.Key) (bool, error) {
	ix, ok := t.sch.Find(index)
	if !ok {
		return false, materrs.ErrNoSuchIndex
	}
	tag := byte(tagSecondary)
	if ix.Id == t.prim.Id {
		tag = tagPrimary
	}
	return contains(t.db, tag, index, key.Bytes())
}

// Lookup returns all rows matching one key of one index.
func (t *Table) Lookup(index uint32, key rowval.Key) ([]rowval.Row, error) {
	ix, ok := t.sch.Find(index)
	if !ok {
		return nil, materrs.ErrNoSuchIndex
	}
	if len(key) != len(ix.Columns) {
		return nil, materrs.ErrKeyWidth
	}
	tag := byte(tagSecondary)
	if ix.Id == t.prim.Id {
		tag = tagPrimary
	}
	prefix := keyPrefix(tag, index, key.Bytes())
	return t.scan(prefix, prefixEnd(prefix), tag == tagSecondary)
}

// RangeLookup scans [from, to) in key order. Either bound may be nil
// for an open end.
func (t *Table) RangeLookup(index uint32, from, to rowval.Key) ([]rowval.Row, error) {
	ix, ok := t.sch.Find(index)
	if !ok {
		return nil, materrs.ErrNoSuchIndex
	}
	tag := byte(tagSecondary)
	if ix.Id == t.prim.Id {
		tag = tagPrimary
	}
	ns := keyPrefix(tag, index, nil)
	lo, hi := ns, prefixEnd(ns)
	if from != nil {
		lo = keyPrefix(tag, index, from.Bytes())
	}
	if to != nil {
		hi = keyPrefix(tag, index, to.Bytes())
	}
	return t.scan(lo, hi, tag == tagSecondary)
}

func (t *Table) scan(lo, hi []byte, deref bool) (rows []rowval.Row, err error) {
	it, err := t.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, ioErr(err)
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		val := it.Value()
		if deref {
			rv, closer, gerr := t.db.Get(val)
			if gerr != nil {
				return nil, materrs.ErrRecoveryInconsistency
			}
			row, perr := rowval.ParseRow(rv)
			_ = closer.Close()
			if perr != nil {
				return nil, materrs.ErrRecoveryInconsistency
			}
			rows = append(rows, row)
			continue
		}
		row, perr := rowval.ParseRow(val)
		if perr != nil {
			return nil, materrs.ErrRecoveryInconsistency
		}
		rows = append(rows, row)
	}
	return rows, it.Error()
}

// DumpAll writes every primary row and the checkpoint in a readable
// form, for operator debugging.
func (t *Table) DumpAll(w io.Writer) {
	ns := keyPrefix(tagPrimary, t.prim.Id, nil)
	it, err := t.db.NewIter(&pebble.IterOptions{LowerBound: ns, UpperBound: prefixEnd(ns)})
	if err != nil {
		return
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		row, perr := rowval.ParseRow(it.Value())
		if perr != nil {
			fmt.Fprintf(w, "?corrupt %x\n", it.Key())
			continue
		}
		fmt.Fprintln(w, row.String())
	}
	if pos, ok, err := t.Checkpoint(); err == nil && ok {
		fmt.Fprintln(w, "checkpoint", pos.String())
	}
}
