package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderedMapPreservesInsertionOrder(t *testing.T) {
	m := NewOrderedMap[string, int]()
	m.Put("c", 3)
	m.Put("a", 1)
	m.Put("b", 2)

	assert.Equal(t, []int{3, 1, 2}, m.Values())

	// updating must not move the entry
	m.Put("a", 10)
	assert.Equal(t, []int{3, 10, 2}, m.Values())
}

func TestOrderedMapDelete(t *testing.T) {
	m := NewOrderedMap[string, int]()
	m.Put("a", 1)
	m.Put("b", 2)
	m.Put("c", 3)

	m.Delete("b")
	assert.Equal(t, []int{1, 3}, m.Values())
	assert.Equal(t, 2, m.Len())

	_, ok := m.Get("b")
	assert.False(t, ok)

	// deleting a missing key is a no-op
	m.Delete("zzz")
	assert.Equal(t, 2, m.Len())
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[string]()
	_, ok := q.Pop()
	assert.False(t, ok)

	q.Push("a")
	q.Push("b")
	assert.Equal(t, 2, q.Len())

	v, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	q.Push("c")
	assert.Equal(t, []string{"b", "c"}, q.Drain())
	assert.Equal(t, 0, q.Len())
}
