package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maxpert/binflow/change"
)

// DefaultQueueCapacity is the hand-off capacity between the stream reader
// and the publishing worker
const DefaultQueueCapacity = 100

// ErrQueueClosed is returned by Put and Take once the queue is closed
var ErrQueueClosed = errors.New("event queue closed")

// EventQueue is a bounded FIFO between exactly one producer (the
// replication client) and one consumer (the worker). Put blocks while the
// queue is full and Take blocks while it is empty; nothing is ever dropped.
type EventQueue struct {
	ch        chan *change.Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewEventQueue creates a queue with the given capacity (DefaultQueueCapacity if <= 0)
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &EventQueue{
		ch:     make(chan *change.Event, capacity),
		closed: make(chan struct{}),
	}
}

// Put appends an event, blocking while the queue is full
func (q *EventQueue) Put(ctx context.Context, ev *change.Event) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- ev:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take removes the oldest event, blocking while the queue is empty.
// Buffered events are still returned after Close.
func (q *EventQueue) Take(ctx context.Context) (*change.Event, error) {
	select {
	case ev := <-q.ch:
		return ev, nil
	default:
	}

	select {
	case ev := <-q.ch:
		return ev, nil
	case <-q.closed:
		select {
		case ev := <-q.ch:
			return ev, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll waits up to timeout for an event. It returns nil, nil on timeout.
func (q *EventQueue) Poll(timeout time.Duration) (*change.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ev, err := q.Take(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return ev, err
}

// Close wakes blocked callers. Further Puts fail with ErrQueueClosed.
func (q *EventQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Len returns the number of buffered events
func (q *EventQueue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity
func (q *EventQueue) Cap() int {
	return cap(q.ch)
}
