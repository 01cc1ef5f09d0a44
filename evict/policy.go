// Package evict keeps the process inside its memory budget. The
// controller is a control loop, not a hard deadline: each pass polls
// the resident size and sheds key ranges from partial indices until
// it is under budget or out of candidates; falling short is not an
// error, the next pass retries.
package evict

import (
	"github.com/drpcorg/matstore/utils"
)

// Candidate is one evictable partial index of one node with its
// current resident share.
type Candidate struct {
	Node  uint64
	Index uint32
	Bytes int64
}

// Policy orders candidates for one eviction pass. Victim selection
// across indices is an operational choice, so it is pluggable; the
// store only guarantees the budget and hole-marking invariants.
type Policy interface {
	Pick(cands []Candidate, excess int64) []Candidate
}

const rankPosBits = 20

// SizeProportional sheds from the largest indices first, so one
// oversized reader cannot starve the small ones. Within an index the
// handle still evicts least-recently-used keys.
type SizeProportional struct{}

// rank packs the byte size and the slice position into one ordered
// value, negated so the min-heap pops the largest size first. The
// position keeps equal sizes distinct.
func rank(bytes int64, pos int) int64 {
	const maxBytes = int64(1)<<(63-rankPosBits) - 1
	if bytes > maxBytes {
		bytes = maxBytes
	}
	return -(bytes<<rankPosBits | int64(pos))
}

func (SizeProportional) Pick(cands []Candidate, excess int64) []Candidate {
	var h utils.Heap[int64]
	for i, c := range cands {
		if c.Bytes > 0 && i < 1<<rankPosBits {
			h.Push(rank(c.Bytes, i))
		}
	}
	picked := make([]Candidate, 0, h.Len())
	var planned int64
	for h.Len() > 0 && planned < excess {
		pos := int(-h.Pop()) & (1<<rankPosBits - 1)
		picked = append(picked, cands[pos])
		planned += cands[pos].Bytes
	}
	return picked
}

// RoundRobin sheds from candidates in the order given, which spreads
// pressure evenly when all indices are similar in size.
type RoundRobin struct {
	next int
}

func (r *RoundRobin) Pick(cands []Candidate, excess int64) []Candidate {
	if len(cands) == 0 {
		return nil
	}
	start := r.next % len(cands)
	r.next++
	picked := make([]Candidate, 0, len(cands))
	for i := 0; i < len(cands); i++ {
		c := cands[(start+i)%len(cands)]
		if c.Bytes > 0 {
			picked = append(picked, c)
		}
	}
	return picked
}
