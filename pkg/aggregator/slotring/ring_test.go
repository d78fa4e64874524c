package slotring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingOverwritesOldest(t *testing.T) {
	r := New[int](3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	assert.Equal(t, []int{1, 2, 3}, r.GetAll())

	r.Push(4)
	assert.Equal(t, []int{2, 3, 4}, r.GetAll())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Cap())
}

func TestRingPopOldest(t *testing.T) {
	r := New[int](2)
	r.Push(10)
	r.Push(20)
	v := r.PopOldest()
	assert.Equal(t, 10, v)
	assert.Equal(t, []int{20}, r.GetAll())
}

func TestRingNewest(t *testing.T) {
	r := New[int](2)
	assert.Nil(t, r.Newest())
	r.Push(1)
	r.Push(2)
	assert.Equal(t, 2, *r.Newest())
}
