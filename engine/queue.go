package engine

import (
	"context"
	"io"
	"sync"

	"github.com/matrix-org/syncbridge/vecdiff"
)

type queued[T any] struct {
	diffs []vecdiff.Diff[T]
	err   error
}

// Queue is an unbounded Feed. Producers never block on a slow consumer; batches are delivered
// in the order they were pushed. A closed queue drains what it already holds, then returns
// io.EOF.
type Queue[T any] struct {
	mu      sync.Mutex
	pending []queued[T]
	closed  bool
	signal  chan struct{}
	onClose func()
}

// NewQueue makes a queue. onClose, if set, runs once when the consumer closes the queue.
func NewQueue[T any](onClose func()) *Queue[T] {
	return &Queue[T]{
		signal:  make(chan struct{}, 1),
		onClose: onClose,
	}
}

func (q *Queue[T]) Push(diffs ...vecdiff.Diff[T]) {
	if len(diffs) == 0 {
		return
	}
	q.enqueue(queued[T]{diffs: diffs})
}

// Fail delivers a transient error in order with the batches around it.
func (q *Queue[T]) Fail(err error) {
	q.enqueue(queued[T]{err: err})
}

func (q *Queue[T]) enqueue(item queued[T]) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	q.wake()
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) Next(ctx context.Context) ([]vecdiff.Diff[T], error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			item := q.pending[0]
			q.pending[0] = queued[T]{}
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return item.diffs, item.err
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len is the number of undelivered batches.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	onClose := q.onClose
	q.mu.Unlock()
	q.wake()
	if onClose != nil {
		onClose()
	}
}
