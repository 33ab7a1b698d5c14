package util

import "sync"

// OrderedMap is a concurrency-safe map that remembers insertion order.
// Values visits entries oldest-first.
type OrderedMap[K comparable, V any] struct {
	mu    sync.RWMutex
	data  map[K]V
	order []K
}

func NewOrderedMap[K comparable, V any]() *OrderedMap[K, V] {
	return &OrderedMap[K, V]{
		data:  make(map[K]V),
		order: make([]K, 0),
	}
}

func (m *OrderedMap[K, V]) Put(key K, val V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[key]; !exists {
		m.order = append(m.order, key)
	}
	m.data[key] = val
}

func (m *OrderedMap[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	val, ok := m.data[key]
	m.mu.RUnlock()
	return val, ok
}

func (m *OrderedMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[key]; !exists {
		return
	}
	delete(m.data, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *OrderedMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Values returns the values in insertion order.
func (m *OrderedMap[K, V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vals := make([]V, 0, len(m.order))
	for _, k := range m.order {
		vals = append(vals, m.data[k])
	}
	return vals
}
