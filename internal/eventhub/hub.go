// Package eventhub provides a typed publish/subscribe registry. Handlers
// registered for an event type are invoked in registration order when an
// event of that type is dispatched; handlers registered for the wildcard
// type "*" receive every event. Dispatch is synchronous on the calling
// goroutine. A Hub is safe for concurrent use; handlers run outside the
// hub's lock, so they may register or remove handlers themselves.
package eventhub

import "sync"

const Wildcard = "*"

type Handler[T any] func(T)

type entry[T any] struct {
	id int
	fn Handler[T]
}

type Hub[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string][]entry[T]
}

func New[T any]() *Hub[T] {
	return &Hub[T]{handlers: make(map[string][]entry[T])}
}

// On registers a handler for the given event type and returns a function
// that removes the registration.
func (h *Hub[T]) On(eventType string, fn Handler[T]) (off func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.handlers[eventType] = append(h.handlers[eventType], entry[T]{id: id, fn: fn})
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		entries := h.handlers[eventType]
		for i, e := range entries {
			if e.id == id {
				h.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Dispatch invokes all handlers for eventType, then all wildcard handlers.
// A panicking handler does not prevent delivery to the remaining handlers.
func (h *Hub[T]) Dispatch(eventType string, event T) {
	h.mu.Lock()
	exact := snapshot(h.handlers[eventType])
	var wild []entry[T]
	if eventType != Wildcard {
		wild = snapshot(h.handlers[Wildcard])
	}
	h.mu.Unlock()

	for _, e := range exact {
		invoke(e.fn, event)
	}
	for _, e := range wild {
		invoke(e.fn, event)
	}
}

func snapshot[T any](entries []entry[T]) []entry[T] {
	out := make([]entry[T], len(entries))
	copy(out, entries)
	return out
}

func invoke[T any](fn Handler[T], event T) {
	defer func() {
		_ = recover()
	}()
	fn(event)
}
