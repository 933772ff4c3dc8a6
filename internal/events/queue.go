package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/trip-dispatch/internal/observability"
)

var (
	ErrQueueFull   = errors.New("events: publish queue full")
	ErrQueueClosed = errors.New("events: publish queue closed")
)

// Queue hands events to a background relay so callers holding dispatch locks
// never wait on the broker. Events are relayed in publish order. When the
// buffer is full the event is dropped and counted.
type Queue struct {
	next   Publisher
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

func NewQueue(next Publisher, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{next: next, logger: logger, ch: make(chan Event, size), done: make(chan struct{})}
	go q.relay()
	return q
}

func (q *Queue) Publish(_ context.Context, ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		observability.EventsDropped.Inc()
		return ErrQueueFull
	}
}

// relay outlives the request that produced each event, so it publishes on a
// background context; the wrapped publisher bounds each attempt.
func (q *Queue) relay() {
	defer close(q.done)
	for ev := range q.ch {
		if err := q.next.Publish(context.Background(), ev); err != nil {
			observability.EventPublishFailures.Inc()
			q.logger.Warn("relay event failed", "type", ev.Type, "event_id", ev.ID, "trip_id", ev.TripID, "error", err)
		}
	}
}

// Close stops accepting events and waits until the buffered ones are relayed
// or ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
