package matstore

import (
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/matstore/durable"
	"github.com/drpcorg/matstore/materrs"
	"github.com/drpcorg/matstore/memtable"
	"github.com/drpcorg/matstore/partial"
	"github.com/drpcorg/matstore/rowval"
	"github.com/drpcorg/matstore/schema"
	"github.com/drpcorg/matstore/utils"
)

var LookupCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "matstore",
	Subsystem: "node",
	Name:      "lookups",
}, []string{"node", "index", "result"})

var ResidentBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "matstore",
	Subsystem: "node",
	Name:      "resident_bytes",
}, []string{"node"})

var EvictedKeys = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "matstore",
	Subsystem: "node",
	Name:      "evicted_keys",
})

// Result is the outcome of a lookup: a Hit with a lazy row sequence,
// or a Miss on a hole. A Miss is normal control flow, not an error,
// and is never cached as a negative answer.
type Result struct {
	hit    bool
	rows   iter.Seq[rowval.Row]
	ticket partial.Ticket
	replay bool
}

func (r Result) Hit() bool  { return r.hit }
func (r Result) Miss() bool { return !r.hit }

// Rows is valid on a Hit only; it is restartable, a fresh range
// re-scans.
func (r Result) Rows() iter.Seq[rowval.Row] {
	if r.rows == nil {
		return func(func(rowval.Row) bool) {}
	}
	return r.rows
}

// ReplayStarted tells the caller whether this Miss is the one that
// must trigger the replay for the key. Concurrent Misses on the same
// in-flight key get started=false and deduplicate upstream.
func (r Result) ReplayStarted() (partial.Ticket, bool) {
	return r.ticket, r.replay
}

// Handle is the per-node facade: it routes lookups and deltas to the
// in-memory table, the partial trackers and the durable table, under
// a per-node exclusive-write/shared-read discipline.
type Handle struct {
	id   uint64
	name string // metric label, rendered once
	sch  schema.Schema
	log  utils.Logger

	lock     sync.RWMutex
	mem      *memtable.Table
	trackers map[uint32]*partial.Tracker
	dur      *durable.Table // nil for memory-only nodes
}

func newHandle(id uint64, sch schema.Schema, dir string, persistent bool, log utils.Logger) (*Handle, error) {
	if err := sch.Valid(); err != nil {
		return nil, err
	}
	h := &Handle{
		id:       id,
		name:     fmt.Sprintf("%x", id),
		sch:      sch,
		log:      log,
		mem:      memtable.New(sch),
		trackers: make(map[uint32]*partial.Tracker),
	}
	for _, ix := range sch.Indexes {
		if ix.Mode == schema.Partial {
			h.trackers[ix.Id] = partial.NewTracker(ix.Id)
		}
	}
	if !persistent {
		return h, nil
	}
	dur, err := durable.Open(dir, sch, log)
	if err != nil {
		return nil, err
	}
	h.dur = dur
	if err := h.recover(); err != nil {
		_ = dur.Close()
		return nil, err
	}
	return h, nil
}

// recover rebuilds the in-memory shadow after a restart. Fully
// materialized indices are reloaded outright; partial indices start
// with every key a hole, since the tracker state died with the old
// process. Cold reads against them still hit-test the disk, see
// Lookup.
func (h *Handle) recover() error {
	full := h.fullIndexes()
	var loader func(rowval.Row) error
	if len(full) > 0 {
		loader = func(row rowval.Row) error {
			return h.mem.Insert(row, full)
		}
	}
	pos, ok, err := h.dur.Recover(loader)
	if err != nil {
		return err
	}
	if ok {
		h.log.Info("node recovered", "node", h.name, "checkpoint", pos.String(), "rows", h.mem.Len())
	}
	ResidentBytes.WithLabelValues(h.name).Set(float64(h.mem.Bytes()))
	return nil
}

func (h *Handle) fullIndexes() (ids []uint32) {
	for _, ix := range h.sch.Indexes {
		if ix.Mode == schema.Full {
			ids = append(ids, ix.Id)
		}
	}
	return
}

func (h *Handle) Id() uint64 { return h.id }

func (h *Handle) Schema() schema.Schema { return h.sch }

// Bytes is the node's approximate resident size.
func (h *Handle) Bytes() int64 {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.mem.Bytes()
}

// Checkpoint reports the replication position to resume from. ok is
// false for memory-only nodes and for durable nodes that never
// committed a batch.
func (h *Handle) Checkpoint() (pos rowval.LogPosition, ok bool, err error) {
	if h.dur == nil {
		return rowval.LogPosition{}, false, nil
	}
	return h.dur.Checkpoint()
}

type fillMark struct {
	index uint32
	kb    string
}

// deltaPlan lists the indices a delta row must be linked into: all
// full ones, plus partial ones whose key is currently filled. Deltas
// for hole keys are dropped; replay re-delivers them. The one
// exception is an insert into a unique partial index: the single row
// fully determines the key's contents, so the insert itself completes
// the fill.
func (h *Handle) deltaPlan(d rowval.Delta) (active []uint32, fills []fillMark, err error) {
	active = make([]uint32, 0, len(h.sch.Indexes))
	for _, ix := range h.sch.Indexes {
		if ix.Mode == schema.Full {
			active = append(active, ix.Id)
			continue
		}
		k, err := ix.KeyOf(d.Row)
		if err != nil {
			return nil, nil, err
		}
		kb := string(k.Bytes())
		switch {
		case h.trackers[ix.Id].IsFilled(kb):
			active = append(active, ix.Id)
		case !d.Neg && ix.Unique:
			active = append(active, ix.Id)
			fills = append(fills, fillMark{index: ix.Id, kb: kb})
		}
	}
	return active, fills, nil
}

// appliedDelta is one undo-log record of the in-memory application.
type appliedDelta struct {
	d      rowval.Delta
	active []uint32
	fills  []fillMark
}

// ApplyDeltas applies one upstream batch: the in-memory tables first,
// under an undo log, then the durable commit (data plus checkpoint,
// atomically). A failure at any point rolls the in-memory application
// back, so a rejected batch leaves both stores untouched. The caller
// provides single-writer ordering per node.
func (h *Handle) ApplyDeltas(deltas []rowval.Delta, pos rowval.LogPosition) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	undo := make([]appliedDelta, 0, len(deltas))
	for _, d := range deltas {
		active, fills, err := h.deltaPlan(d)
		if err == nil {
			if d.Neg {
				err = h.mem.Remove(d.Row, active)
			} else {
				err = h.mem.Insert(d.Row, active)
			}
		}
		if err != nil {
			h.rollback(undo)
			return err
		}
		// fills apply as we go, so later deltas of the batch see the key
		for _, f := range fills {
			h.trackers[f.index].MarkFilled(f.kb)
		}
		undo = append(undo, appliedDelta{d: d, active: active, fills: fills})
	}
	if h.dur != nil {
		if err := h.dur.ApplyBatch(deltas, pos); err != nil {
			h.rollback(undo)
			return err
		}
	}
	ResidentBytes.WithLabelValues(h.name).Set(float64(h.mem.Bytes()))
	return nil
}

// rollback undoes in-memory applications in reverse order. Inserts and
// removes are exact inverses of each other, and a fill recorded in the
// log was a hole before the batch.
func (h *Handle) rollback(undo []appliedDelta) {
	for i := len(undo) - 1; i >= 0; i-- {
		u := undo[i]
		for _, f := range u.fills {
			h.trackers[f.index].MarkHole(f.kb)
		}
		if u.d.Neg {
			_ = h.mem.Insert(u.d.Row, u.active)
		} else {
			_ = h.mem.Remove(u.d.Row, u.active)
		}
	}
}

// memSeq wraps a memtable lookup in a lazy sequence that holds the
// node read lock for exactly the duration of one iteration.
func (h *Handle) memSeq(index uint32, key rowval.Key) iter.Seq[rowval.Row] {
	return func(yield func(rowval.Row) bool) {
		h.lock.RLock()
		defer h.lock.RUnlock()
		seq, err := h.mem.Lookup(index, key)
		if err != nil {
			return
		}
		for row := range seq {
			if !yield(row) {
				return
			}
		}
	}
}

// Lookup resolves a key against one index. A hole on a partial index
// yields a Miss; for durable nodes the disk is hit-tested first, and
// a disk hit becomes a Fill without any replay.
func (h *Handle) Lookup(index uint32, key rowval.Key) (Result, error) {
	ix, ok := h.sch.Find(index)
	if !ok {
		return Result{}, materrs.ErrNoSuchIndex
	}
	if len(key) != len(ix.Columns) {
		return Result{}, materrs.ErrKeyWidth
	}
	if ix.Mode == schema.Full {
		LookupCount.WithLabelValues(h.name, indexLabel(index), "hit").Inc()
		return Result{hit: true, rows: h.memSeq(index, key)}, nil
	}
	kb := string(key.Bytes())
	tracker := h.trackers[index]

	h.lock.RLock()
	filled := tracker.IsFilled(kb)
	h.lock.RUnlock()
	if filled {
		LookupCount.WithLabelValues(h.name, indexLabel(index), "hit").Inc()
		return Result{hit: true, rows: h.memSeq(index, key)}, nil
	}

	if h.dur != nil {
		res, err := h.fillFromDisk(index, key, kb)
		if err != nil {
			return Result{}, err
		}
		if res.hit {
			return res, nil
		}
	}

	h.lock.RLock()
	ticket, started := tracker.BeginReplay(kb)
	h.lock.RUnlock()
	LookupCount.WithLabelValues(h.name, indexLabel(index), "miss").Inc()
	return Result{ticket: ticket, replay: started}, nil
}

// fillFromDisk upgrades a would-be Miss into a Fill when the durable
// table already has the key, e.g. on a cold start after the tracker
// shadow was lost.
func (h *Handle) fillFromDisk(index uint32, key rowval.Key, kb string) (Result, error) {
	present, err := h.dur.Contains(index, key)
	if err != nil {
		return Result{}, err
	}
	if !present {
		return Result{}, nil
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	tracker := h.trackers[index]
	if !tracker.IsFilled(kb) { // lost the race to another filler
		rows, err := h.dur.Lookup(index, key)
		if err != nil {
			return Result{}, err
		}
		for _, row := range rows {
			if err := h.mem.Fill(row, index); err != nil {
				return Result{}, err
			}
		}
		tracker.MarkFilled(kb)
		ResidentBytes.WithLabelValues(h.name).Set(float64(h.mem.Bytes()))
	}
	LookupCount.WithLabelValues(h.name, indexLabel(index), "disk_fill").Inc()
	return Result{hit: true, rows: h.memSeq(index, key)}, nil
}

// RangeLookup scans [from, to) over an ordered index. Fully
// materialized indices answer from memory; a durable node answers any
// index authoritatively from disk. A memory-only partial index cannot
// prove a range complete, so it refuses.
func (h *Handle) RangeLookup(index uint32, from, to rowval.Key) (Result, error) {
	ix, ok := h.sch.Find(index)
	if !ok {
		return Result{}, materrs.ErrNoSuchIndex
	}
	if ix.Mode == schema.Full {
		rows := func(yield func(rowval.Row) bool) {
			h.lock.RLock()
			defer h.lock.RUnlock()
			seq, err := h.mem.RangeLookup(index, from, to)
			if err != nil {
				return
			}
			for row := range seq {
				if !yield(row) {
					return
				}
			}
		}
		return Result{hit: true, rows: rows}, nil
	}
	if h.dur == nil {
		return Result{}, materrs.ErrNotRanged
	}
	rows, err := h.dur.RangeLookup(index, from, to)
	if err != nil {
		return Result{}, err
	}
	return Result{hit: true, rows: slices.Values(rows)}, nil
}

// MarkFilled completes a replay: the rows for the key are installed
// and the key flips from hole to filled. Every row must actually
// belong to the key.
func (h *Handle) MarkFilled(index uint32, key rowval.Key, rows []rowval.Row) error {
	ix, ok := h.sch.Find(index)
	if !ok {
		return materrs.ErrNoSuchIndex
	}
	tracker := h.trackers[index]
	if tracker == nil {
		return materrs.ErrNoSuchIndex // full indices have no holes to fill
	}
	kb := string(key.Bytes())
	h.lock.Lock()
	defer h.lock.Unlock()
	if tracker.IsFilled(kb) {
		return nil // a concurrent fill won; replayed rows are already there
	}
	for _, row := range rows {
		k, err := ix.KeyOf(row)
		if err != nil {
			return err
		}
		if string(k.Bytes()) != kb {
			return fmt.Errorf("%w: replayed row %s does not match key %s",
				materrs.ErrBadValue, row.String(), key.String())
		}
		if err := h.mem.Fill(row, index); err != nil {
			return err
		}
	}
	tracker.MarkFilled(kb)
	ResidentBytes.WithLabelValues(h.name).Set(float64(h.mem.Bytes()))
	return nil
}

// MarkHole handles an upstream "this key is no longer valid" signal:
// the key's rows are dropped and the key becomes a hole again.
func (h *Handle) MarkHole(index uint32, key rowval.Key) error {
	if _, ok := h.sch.Find(index); !ok {
		return materrs.ErrNoSuchIndex
	}
	if h.trackers[index] == nil {
		return materrs.ErrNoSuchIndex
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.evictKeyLocked(index, string(key.Bytes()))
	return nil
}

// evictable reports whether eviction may touch this node at all: a
// fully materialized index pins every row, so mixed-mode nodes are
// exempt.
func (h *Handle) evictable() bool {
	return h.sch.AnyPartial() && len(h.fullIndexes()) == 0
}

func (h *Handle) evictKeyLocked(index uint32, kb string) (freed int64) {
	freed, collateral := h.mem.EvictKey(index, kb)
	h.trackers[index].MarkHole(kb)
	for _, a := range collateral {
		if t := h.trackers[a.Index]; t != nil {
			t.MarkHole(a.KeyBytes)
		}
	}
	EvictedKeys.Inc()
	return freed
}

// EvictBytes sheds roughly target bytes from one partial index,
// least recently used keys first, and reports what it actually freed.
// Durable nodes lose only their in-memory shadow; the disk keeps the
// committed data and the next lookup refills from it.
func (h *Handle) EvictBytes(index uint32, target int64) (freed int64) {
	if !h.evictable() {
		return 0
	}
	tracker := h.trackers[index]
	if tracker == nil {
		return 0
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	for freed < target {
		victims := tracker.Oldest(evictKeyBatch)
		if len(victims) == 0 {
			break
		}
		for _, kb := range victims {
			freed += h.evictKeyLocked(index, kb)
			if freed >= target {
				break
			}
		}
	}
	ResidentBytes.WithLabelValues(h.name).Set(float64(h.mem.Bytes()))
	return freed
}

// evictKeyBatch bounds how many victim keys one eviction slice pulls
// from the recency order at a time.
const evictKeyBatch = 64

func (h *Handle) close() error {
	if h.dur != nil {
		return h.dur.Close()
	}
	return nil
}

func indexLabel(index uint32) string {
	return fmt.Sprintf("%d", index)
}
