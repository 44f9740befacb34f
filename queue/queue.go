// Package queue is an unbounded FIFO shared by producers and consumers of
// supervisor results.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrEmpty  = errors.New("queue empty")
	ErrClosed = errors.New("queue closed")
)

type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends v. Values put after Close are discarded.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, v)
	q.cond.Signal()
}

func (q *Queue[T]) TryTake() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) HasAny() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Take blocks until an item is available. Items still queued at Close can be
// taken; once empty and closed it returns ErrClosed.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if v, ok := q.popLocked(); ok {
		return v, nil
	}
	var zero T
	if q.closed {
		return zero, ErrClosed
	}
	return zero, ctx.Err()
}

// Get mirrors the classic get(block, timeout) call: block=false is TryTake,
// a zero timeout waits forever. Running out of time returns ErrEmpty.
func (q *Queue[T]) Get(block bool, timeout time.Duration) (T, error) {
	if !block {
		if v, ok := q.TryTake(); ok {
			return v, nil
		}
		var zero T
		return zero, ErrEmpty
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := q.Take(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return v, ErrEmpty
	}
	return v, err
}

// Drain removes and returns everything queued right now. Producers running
// concurrently may add items right after it returns.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}
