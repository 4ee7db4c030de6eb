package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-core/internal/observability"
)

var (
	ErrQueueFull   = errors.New("message event queue full")
	ErrQueueClosed = errors.New("message event queue closed")
)

// Queue hands events to a background goroutine that publishes them in order
// on next, so a slow broker never stalls the sending connection.
type Queue struct {
	next    Publisher
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	batch  chan []MessageEvent
	done   chan struct{}
}

// NewQueue starts a queue holding up to size pending publishes.
func NewQueue(next Publisher, size int, timeout time.Duration, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	q := &Queue{
		next:    next,
		timeout: timeout,
		logger:  logger,
		batch:   make(chan []MessageEvent, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Publish enqueues events without waiting for the broker. ctx is not used
// past this call.
func (q *Queue) Publish(_ context.Context, events ...MessageEvent) error {
	if len(events) == 0 {
		return nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		observability.AddEventsDropped(len(events))
		return ErrQueueClosed
	}
	select {
	case q.batch <- events:
		return nil
	default:
		observability.AddEventsDropped(len(events))
		return ErrQueueFull
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for events := range q.batch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.next.Publish(ctx, events...); err != nil {
			q.logger.Debug("queued message events dropped", zap.Int("events", len(events)), zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events, flushes what is queued and closes next.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.batch)
	}
	q.mu.Unlock()
	<-q.done
	return q.next.Close()
}
