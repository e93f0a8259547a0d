package feed

import (
	"context"
	"log/slog"
	"sync"

	"skyledger/internal/metrics"
	"skyledger/internal/model"
)

const defaultQueueSize = 1024

// Async delivers notifications to a Notifier from its own goroutine, in commit
// order. A commit never waits on delivery: when the queue is full the event is
// dropped and counted, and subscribers heal on the next snapshot.
type Async struct {
	next   Notifier
	queue  chan func(context.Context)
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(next Notifier, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		queue:  make(chan func(context.Context), size),
		logger: logger.With("component", "feed_async"),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	ctx := context.Background()
	for deliver := range a.queue {
		deliver(ctx)
	}
}

func (a *Async) AccountChanged(_ context.Context, acc model.Account) {
	a.enqueue(func(ctx context.Context) { a.next.AccountChanged(ctx, acc) })
}

func (a *Async) RecordAppended(_ context.Context, rec model.Record) {
	a.enqueue(func(ctx context.Context) { a.next.RecordAppended(ctx, rec) })
}

func (a *Async) enqueue(deliver func(context.Context)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- deliver:
	default:
		metrics.FeedDropped.Inc()
		a.logger.Warn("change event dropped, delivery queue full")
	}
}

// Close stops accepting events and waits for the queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
