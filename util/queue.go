package util

// Queue is a simple FIFO over a slice.
type Queue[V any] struct {
	data []V
}

func NewQueue[V any]() *Queue[V] {
	return &Queue[V]{data: make([]V, 0)}
}

func (q *Queue[V]) Push(v V) {
	q.data = append(q.data, v)
}

func (q *Queue[V]) Pop() (V, bool) {
	var dflt V
	if len(q.data) == 0 {
		return dflt, false
	}
	val := q.data[0]
	q.data = q.data[1:]
	return val, true
}

func (q *Queue[V]) Len() int {
	return len(q.data)
}

// Drain pops every queued value in order.
func (q *Queue[V]) Drain() []V {
	out := q.data
	q.data = make([]V, 0)
	return out
}
