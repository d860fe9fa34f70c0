// Package async carries device event messages (burst acks, underflows,
// sequence and time errors) from the hardware to the application.
//
// Events travel through a bounded Queue. When the queue is full the oldest
// event is dropped and counted. Delivery is lossy; callers
// that need every event must drain the queue often.
package async

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the event queue capacity used when none is set.
const DefaultQueueSize = 1000

// Queue is a bounded FIFO that drops its oldest element when full. It is
// safe for one producer and any number of consumers.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // next read position
	size  int

	ready   chan struct{}
	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most capacity elements.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue[T]{
		items: make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends v. It reports whether an older element was dropped to make
// room.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	dropped := false
	capacity := len(q.items)
	if q.size == capacity {
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % capacity
		q.size--
		dropped = true
	}
	q.items[(q.head+q.size)%capacity] = v
	q.size++
	q.mu.Unlock()

	if dropped {
		q.dropped.Add(1)
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

func (q *Queue[T]) tryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	// pass the wakeup on; Push signals at most once per burst
	if q.size > 0 {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return v, true
}

// Pop removes the oldest element, waiting up to timeout for one to arrive.
// A zero timeout polls.
func (q *Queue[T]) Pop(timeout time.Duration) (T, bool) {
	if v, ok := q.tryPop(); ok {
		return v, true
	}
	if timeout <= 0 {
		var zero T
		return zero, false
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-q.ready:
			if v, ok := q.tryPop(); ok {
				return v, true
			}
		case <-t.C:
			return q.tryPop()
		}
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Capacity returns the maximum number of queued elements.
func (q *Queue[T]) Capacity() int {
	return len(q.items)
}

// Dropped returns the number of elements dropped since creation.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}
