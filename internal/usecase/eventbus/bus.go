package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"agentrelay/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.BusHandler
}

// Bus is an in-process, goroutine-safe event bus. Emit delivers
// synchronously on the caller's goroutine, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Emit invokes every current subscriber with event. A panicking handler is
// recovered and logged; the remaining handlers still receive the event.
func (b *Bus) Emit(ctx context.Context, event domain.BusEvent) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.BusEvent, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", fmt.Sprintf("%T", event),
				"subscription", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, event)
}

// Subscribe registers a handler for every event.
// Returns an unsubscribe function; calling it more than once is a no-op.
func (b *Bus) Subscribe(handler domain.BusHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close turns further emits into no-ops. Close is idempotent.
func (b *Bus) Close() {
	b.closed.Store(true)
}
