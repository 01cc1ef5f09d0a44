package durable

import (
	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/matstore/materrs"
	"github.com/drpcorg/matstore/rowval"
)

// Recovery: on process start a durable node reopens its table, reads
// the checkpoint, and either reloads everything (full nodes) or
// starts with all keys as holes (partial nodes; the in-memory tracker
// shadow is gone, but Contains still hit-tests the disk so cold reads
// do not trigger replays for data that is already durable).

// Recover streams every canonical row to fn against a consistent
// snapshot, and returns the checkpoint the upstream replication layer
// must resume from. ok is false for a never-written store.
func (t *Table) Recover(fn func(row rowval.Row) error) (pos rowval.LogPosition, ok bool, err error) {
	if t.db == nil {
		return rowval.LogPosition{}, false, materrs.ErrClosed
	}
	pos, ok, err = t.Checkpoint()
	if err != nil {
		return rowval.LogPosition{}, false, err
	}
	snap := t.db.NewSnapshot()
	defer snap.Close()
	ns := keyPrefix(tagPrimary, t.prim.Id, nil)
	it, err := snap.NewIter(&pebble.IterOptions{LowerBound: ns, UpperBound: prefixEnd(ns)})
	if err != nil {
		return rowval.LogPosition{}, false, ioErr(err)
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		row, perr := rowval.ParseRow(it.Value())
		if perr != nil {
			return rowval.LogPosition{}, false, materrs.ErrRecoveryInconsistency
		}
		if fn != nil {
			if err := fn(row); err != nil {
				return rowval.LogPosition{}, false, err
			}
		}
	}
	if err := it.Error(); err != nil {
		return rowval.LogPosition{}, false, ioErr(err)
	}
	return pos, ok, nil
}
