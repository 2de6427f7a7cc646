package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeapPopSorted(t *testing.T) {
	h := Heap[uint64]{}
	for i := uint64(0); i < 64; i++ {
		h.Push(i ^ 17)
	}
	for i := uint64(0); i < 64; i++ {
		assert.Equal(t, i, h.Peek())
		assert.Equal(t, i, h.Pop())
	}
	assert.Equal(t, 0, h.Len())
}

func TestHeapDuplicates(t *testing.T) {
	h := Heap[int]{}
	for _, v := range []int{3, 1, 3, 2, 1} {
		h.Push(v)
	}
	got := make([]int, 0, 5)
	for h.Len() > 0 {
		got = append(got, h.Pop())
	}
	assert.Equal(t, []int{1, 1, 2, 3, 3}, got)
}
