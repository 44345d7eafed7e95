// Package eventbus fans domain events out to in-process subscribers:
// stream deltas to the terminal UI, workflow and document progress to status
// surfaces, failures to whoever needs to show them.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

// Bus is an in-process, goroutine-safe event bus. Handlers run on their own
// goroutines so a slow subscriber never blocks the publisher.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	seq    uint64
	typed  map[domain.EventType]map[uint64]domain.EventHandler
	global map[uint64]domain.EventHandler

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		typed:  make(map[domain.EventType]map[uint64]domain.EventHandler),
		global: make(map[uint64]domain.EventHandler),
	}
}

// Publish delivers event to every subscriber of its type and every all-event
// subscriber. Publishes after Close are dropped.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	handlers := make([]domain.EventHandler, 0, len(b.typed[event.Type])+len(b.global))
	for _, h := range b.typed[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.global {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	b.wg.Add(len(handlers))
	for _, h := range handlers {
		go b.invoke(ctx, event, h)
	}
}

// invoke runs one handler, recovering panics so a bad subscriber cannot take
// down the publisher.
func (b *Bus) invoke(ctx context.Context, event domain.Event, h domain.EventHandler) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	h(ctx, event)
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.typed[eventType]
	if !ok {
		set = make(map[uint64]domain.EventHandler)
		b.typed[eventType] = set
	}
	b.seq++
	id := b.seq
	set[id] = handler

	return func() {
		b.mu.Lock()
		delete(b.typed[eventType], id)
		b.mu.Unlock()
	}
}

// SubscribeAll registers a handler for every event and returns its
// unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := b.seq
	b.global[id] = handler

	return func() {
		b.mu.Lock()
		delete(b.global, id)
		b.mu.Unlock()
	}
}

// Close drops future publishes and waits for in-flight handlers to return.
// Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
