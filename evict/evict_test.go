package evict

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/matstore/utils"
)

func TestSizeProportional_LargestFirst(t *testing.T) {
	cands := []Candidate{
		{Node: 1, Index: 0, Bytes: 100},
		{Node: 2, Index: 0, Bytes: 300},
		{Node: 3, Index: 0, Bytes: 200},
	}
	picked := SizeProportional{}.Pick(cands, 250)
	assert.Len(t, picked, 1)
	assert.Equal(t, uint64(2), picked[0].Node)

	picked = SizeProportional{}.Pick(cands, 450)
	assert.Len(t, picked, 2)
	assert.Equal(t, uint64(2), picked[0].Node)
	assert.Equal(t, uint64(3), picked[1].Node)

	assert.Empty(t, SizeProportional{}.Pick(nil, 100))
}

func TestSizeProportional_EqualSizesStayDistinct(t *testing.T) {
	cands := []Candidate{
		{Node: 1, Index: 0, Bytes: 50},
		{Node: 2, Index: 0, Bytes: 50},
		{Node: 3, Index: 0, Bytes: 50},
	}
	picked := SizeProportional{}.Pick(cands, 1000)
	assert.Len(t, picked, 3)
	seen := map[uint64]bool{}
	for _, c := range picked {
		seen[c.Node] = true
	}
	assert.Len(t, seen, 3)
}

func TestRoundRobin_Rotates(t *testing.T) {
	cands := []Candidate{
		{Node: 1, Bytes: 10},
		{Node: 2, Bytes: 10},
	}
	rr := &RoundRobin{}
	first := rr.Pick(cands, 5)
	second := rr.Pick(cands, 5)
	assert.Equal(t, uint64(1), first[0].Node)
	assert.Equal(t, uint64(2), second[0].Node)
}

type fakeView struct {
	resident int64
	cands    []Candidate
	evicted  []Candidate
}

func (f *fakeView) Candidates() []Candidate { return f.cands }
func (f *fakeView) ResidentBytes() int64    { return f.resident }

func (f *fakeView) EvictBytes(node uint64, index uint32, target int64) int64 {
	f.evicted = append(f.evicted, Candidate{Node: node, Index: index, Bytes: target})
	f.resident -= target
	return target
}

func TestController_PassStopsAtBudget(t *testing.T) {
	view := &fakeView{
		resident: 1000,
		cands: []Candidate{
			{Node: 1, Index: 0, Bytes: 600},
			{Node: 2, Index: 0, Bytes: 400},
		},
	}
	c := NewController(view, SizeProportional{}, 400, time.Second, "",
		utils.NewDefaultLogger(slog.LevelError))

	freed := c.Pass()
	assert.Equal(t, int64(600), freed)
	assert.Equal(t, int64(400), view.resident)
	assert.Len(t, view.evicted, 1)
	assert.Equal(t, uint64(1), view.evicted[0].Node)

	// under budget: a pass is a no-op
	assert.Equal(t, int64(0), c.Pass())
}

func TestController_ZeroBudgetDisablesEviction(t *testing.T) {
	view := &fakeView{resident: 1 << 30}
	c := NewController(view, SizeProportional{}, 0, time.Second, "",
		utils.NewDefaultLogger(slog.LevelError))
	assert.Equal(t, int64(0), c.Pass())
	assert.Empty(t, view.evicted)
}

func TestController_SetBudget(t *testing.T) {
	view := &fakeView{resident: 100, cands: []Candidate{{Node: 1, Bytes: 100}}}
	c := NewController(view, SizeProportional{}, 1000, time.Second, "",
		utils.NewDefaultLogger(slog.LevelError))
	assert.Equal(t, int64(0), c.Pass())
	c.SetBudget(40)
	assert.Equal(t, int64(40), c.BudgetBytes())
	assert.Equal(t, int64(60), c.Pass())
}
