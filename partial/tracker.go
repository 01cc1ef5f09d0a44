// Package partial tracks which keys of a partially materialized index
// are filled and which are holes. Every lookup against a partial
// index consults the tracker first: a hole yields a Miss, never an
// empty Hit. The tracker also remembers replays in flight so one hole
// triggers at most one outstanding replay at a time.
package partial

import (
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/drpcorg/matstore/utils"
)

// recencyCap bounds the LRU that orders filled keys by last touch.
// The filled set itself is unbounded; losing a recency entry only
// costs the eviction policy a candidate, never correctness.
const recencyCap = 1 << 20

// Ticket identifies one outstanding replay for one key.
type Ticket = uuid.UUID

type Tracker struct {
	index    uint32
	filled   map[string]struct{}
	recency  *lru.Cache[string, struct{}]
	inflight utils.CMap[string, Ticket]
}

func NewTracker(index uint32) *Tracker {
	cache, _ := lru.New[string, struct{}](recencyCap)
	return &Tracker{
		index:   index,
		filled:  make(map[string]struct{}),
		recency: cache,
	}
}

func (t *Tracker) Index() uint32 { return t.index }

func (t *Tracker) FilledCount() int { return len(t.filled) }

// IsFilled reports whether the key is wholly materialized. A hit
// refreshes the key's recency.
func (t *Tracker) IsFilled(keyBytes string) bool {
	_, ok := t.filled[keyBytes]
	if ok {
		_, _ = t.recency.Get(keyBytes)
	}
	return ok
}

// MarkFilled moves the key from hole to filled, e.g. when a replay
// completes or a durable read satisfies the key from disk. Any replay
// in flight for the key is settled.
func (t *Tracker) MarkFilled(keyBytes string) {
	t.filled[keyBytes] = struct{}{}
	t.recency.Add(keyBytes, struct{}{})
	t.inflight.Delete(keyBytes)
}

// MarkHole converts a filled key back into a hole, on eviction or on
// an upstream invalidation.
func (t *Tracker) MarkHole(keyBytes string) {
	delete(t.filled, keyBytes)
	t.recency.Remove(keyBytes)
}

// BeginReplay records a replay attempt for a hole key. The first
// caller gets started=true and must trigger the replay; concurrent
// callers for the same key get started=false and just report their
// own Miss.
func (t *Tracker) BeginReplay(keyBytes string) (tk Ticket, started bool) {
	tk = uuid.New()
	actual, loaded := t.inflight.LoadOrStore(keyBytes, tk)
	if loaded {
		return actual, false
	}
	return tk, true
}

// AbandonReplay settles an in-flight replay that will never complete,
// so a later Miss may trigger a fresh one. Only the ticket holder may
// abandon.
func (t *Tracker) AbandonReplay(keyBytes string, tk Ticket) {
	t.inflight.CompareAndDelete(keyBytes, tk)
}

// Oldest returns up to n filled keys, least recently used first;
// these are the eviction victims.
func (t *Tracker) Oldest(n int) []string {
	keys := t.recency.Keys() // oldest to newest
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// Clear holes everything at once, e.g. when an entire partial index
// is evicted or on a cold start.
func (t *Tracker) Clear() {
	t.filled = make(map[string]struct{})
	t.recency.Purge()
	t.inflight.Range(func(k string, _ Ticket) bool {
		t.inflight.Delete(k)
		return true
	})
}
