// Package bus is a small synchronous publish/subscribe dispatcher.
//
// Handlers run on the publisher's goroutine, in subscription order, so a
// single Publish call is observed atomically by every subscriber. A handler
// that panics is logged and skipped; the remaining handlers still run.
package bus

import (
	"fmt"
	"sync"

	"github.com/pithecene-io/treesync/log"
)

// Handler receives published events.
type Handler[E any] func(E)

type subscription[E any] struct {
	id      uint64
	handler Handler[E]
}

// Bus dispatches events of type E keyed by K.
// The zero value is not usable; construct with New.
type Bus[K comparable, E any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[K][]subscription[E]
	wildcard []subscription[E]
	logger   *log.Logger
}

// New creates an empty bus. A nil logger discards handler panics silently.
func New[K comparable, E any](logger *log.Logger) *Bus[K, E] {
	if logger == nil {
		logger = log.Nop()
	}
	return &Bus[K, E]{
		handlers: make(map[K][]subscription[E]),
		logger:   logger,
	}
}

// On subscribes h to events published under key.
// The returned function removes the subscription; calling it twice is safe.
func (b *Bus[K, E]) On(key K, h Handler[E]) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[key] = append(b.handlers[key], subscription[E]{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.handlers[key] = remove(b.handlers[key], id)
			if len(b.handlers[key]) == 0 {
				delete(b.handlers, key)
			}
		})
	}
}

// OnAny subscribes h to every published event.
func (b *Bus[K, E]) OnAny(h Handler[E]) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription[E]{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.wildcard = remove(b.wildcard, id)
		})
	}
}

// Publish delivers event to the handlers for key, then to wildcard handlers.
// Handlers subscribed or removed during Publish take effect on the next call.
func (b *Bus[K, E]) Publish(key K, event E) {
	b.mu.RLock()
	keyed := append([]subscription[E](nil), b.handlers[key]...)
	wild := append([]subscription[E](nil), b.wildcard...)
	b.mu.RUnlock()

	for _, s := range keyed {
		b.call(key, s, event)
	}
	for _, s := range wild {
		b.call(key, s, event)
	}
}

// Count returns the number of handlers subscribed to key, excluding wildcards.
func (b *Bus[K, E]) Count(key K) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[key])
}

func (b *Bus[K, E]) call(key K, s subscription[E], event E) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", map[string]any{
				"key":   fmt.Sprint(key),
				"panic": fmt.Sprint(r),
			})
		}
	}()
	s.handler(event)
}

func remove[E any](subs []subscription[E], id uint64) []subscription[E] {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
