package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64Heap_Pop(t *testing.T) {
	h := Heap[uint64]{}
	for i := uint64(0); i < 64; i++ {
		h.Push(i ^ 17)
	}
	assert.Equal(t, uint64(0), h.Peek())
	for i := uint64(0); i < 64; i++ {
		assert.Equal(t, i, h.Pop())
	}
}

func TestInt64Heap_NegativeRanks(t *testing.T) {
	h := Heap[int64]{}
	h.Push(-30)
	h.Push(-10)
	h.Push(-20)
	assert.Equal(t, int64(-30), h.Pop())
	assert.Equal(t, int64(-20), h.Pop())
	assert.Equal(t, int64(-10), h.Pop())
}
