// Package queue provides the bounded FIFO queue backing per-subscriber
// message delivery.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrQueueClosed = errors.New("queue is closed")

// ErrFull is returned by TrySend when the queue has no free slot.
var ErrFull = errors.New("queue is full")

// Bounded is a fixed-capacity FIFO queue. Send blocks when the queue is
// full; TrySend fails immediately. Which of the two a producer uses is an
// explicit per-deployment backpressure decision, never a silent default.
//
// The data channel is never closed; Close signals through done so that a
// producer suspended in a blocking Send gets ErrQueueClosed instead of a
// send-on-closed-channel panic.
type Bounded[T any] struct {
	ch     chan T
	done   chan struct{}
	closed atomic.Bool

	// Delivery counters for observability.
	sends    atomic.Int64
	receives atomic.Int64
	blocks   atomic.Int64
	rejects  atomic.Int64
}

// NewBounded creates a queue with the given capacity.
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues v, suspending the caller until space is available, the
// queue is closed, or ctx is cancelled.
func (q *Bounded[T]) Send(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- v:
		q.sends.Add(1)
		return nil
	default:
	}

	// Full: fall through to a blocking send. Close must unblock a
	// suspended sender, so the select watches done as well.
	q.blocks.Add(1)
	select {
	case q.ch <- v:
		q.sends.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// TrySend enqueues v or fails immediately with ErrFull.
func (q *Bounded[T]) TrySend(v T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- v:
		q.sends.Add(1)
		return nil
	default:
		q.rejects.Add(1)
		return ErrFull
	}
}

// Receive dequeues the next value in FIFO order, blocking until one is
// available, the queue is closed and drained, or ctx is cancelled.
func (q *Bounded[T]) Receive(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		q.receives.Add(1)
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-q.done:
		// Closed: queued values are still deliverable.
		if v, ok := q.TryReceive(); ok {
			return v, nil
		}
		var zero T
		return zero, ErrQueueClosed
	}
}

// TryReceive dequeues the next value without blocking.
func (q *Bounded[T]) TryReceive() (T, bool) {
	select {
	case v := <-q.ch:
		q.receives.Add(1)
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Chan exposes the underlying channel for select statements. The channel
// is never closed; combine it with Done to observe shutdown.
func (q *Bounded[T]) Chan() <-chan T {
	return q.ch
}

// Done is closed when the queue is closed.
func (q *Bounded[T]) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of queued values.
func (q *Bounded[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Bounded[T]) Cap() int {
	return cap(q.ch)
}

// Close closes the queue. Queued values can still be received.
func (q *Bounded[T]) Close() {
	if q.closed.Swap(true) {
		return
	}
	close(q.done)
}

// Stats returns delivery counters.
func (q *Bounded[T]) Stats() Stats {
	return Stats{
		Length:   len(q.ch),
		Capacity: cap(q.ch),
		Sends:    q.sends.Load(),
		Receives: q.receives.Load(),
		Blocks:   q.blocks.Load(),
		Rejects:  q.rejects.Load(),
	}
}

// Stats contains queue delivery counters.
type Stats struct {
	Length   int   `json:"length"`
	Capacity int   `json:"capacity"`
	Sends    int64 `json:"sends"`
	Receives int64 `json:"receives"`
	Blocks   int64 `json:"blocks"`
	Rejects  int64 `json:"rejects"`
}
