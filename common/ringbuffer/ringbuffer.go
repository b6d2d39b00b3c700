// Package ringbuffer provides a fixed capacity FIFO that overwrites its oldest
// element once full. It is not safe for concurrent use.
package ringbuffer

type RingBuffer[T any] struct {
	buf  []T
	head int // index of the oldest element
	size int
}

// New returns a ring buffer holding at most capacity elements.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &RingBuffer[T]{
		buf: make([]T, capacity),
	}
}

// Push appends v. When the buffer is full the oldest element is dropped and
// returned with ok set.
func (r *RingBuffer[T]) Push(v T) (evicted T, ok bool) {
	c := len(r.buf)
	if r.size < c {
		r.buf[(r.head+r.size)%c] = v
		r.size++

		return evicted, false
	}

	evicted = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % c

	return evicted, true
}

// At returns the i-th element, 0 being the oldest. It panics when i is out of range.
func (r *RingBuffer[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic("ringbuffer: index out of range")
	}

	return r.buf[(r.head+i)%len(r.buf)]
}

// Slice copies the elements in [from, to) into a new slice, oldest first.
// Bounds are clipped to the current contents.
func (r *RingBuffer[T]) Slice(from, to int) []T {
	from = max(from, 0)
	to = min(to, r.size)

	if from >= to {
		return []T{}
	}

	out := make([]T, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}

	return out
}

func (r *RingBuffer[T]) Len() int {
	return r.size
}

func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}
