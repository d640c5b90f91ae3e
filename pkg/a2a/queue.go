package a2a

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned when publishing after the executor returned
var ErrQueueClosed = errors.New("a2a: event queue closed")

// EventQueue carries executor events to the request handler
type EventQueue struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

// NewEventQueue creates a queue buffering up to size events
func NewEventQueue(size int) *EventQueue {
	if size < 1 {
		size = 1
	}
	return &EventQueue{events: make(chan Event, size)}
}

// Enqueue publishes ev, waiting for buffer space or ctx
func (q *EventQueue) Enqueue(ctx context.Context, ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side of the queue
func (q *EventQueue) Events() <-chan Event { return q.events }

// Close stops the queue; pending events stay readable
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.events)
}
