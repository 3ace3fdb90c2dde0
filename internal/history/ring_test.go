package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingEvictsOldestFirst(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Last(0))
	assert.Equal(t, []int{4, 5}, r.Last(2))

	newest, ok := r.Newest()
	assert.True(t, ok)
	assert.Equal(t, 5, newest)
}

func TestRingUnbounded(t *testing.T) {
	r := NewRing[string](0)
	for _, v := range []string{"a", "b", "c"} {
		r.Push(v)
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.Last(10))
}

func TestRingEmpty(t *testing.T) {
	r := NewRing[int](2)
	_, ok := r.Newest()
	assert.False(t, ok)
	assert.Empty(t, r.Last(5))
}
