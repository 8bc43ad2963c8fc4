package bus

import (
	"log/slog"
	"sync"
)

// MessageBus is a synchronous in-process event fan-out.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func New() *MessageBus {
	return &MessageBus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers handler under id, replacing any previous one.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Broadcast calls every handler in turn. A panicking handler is logged and
// does not stop delivery to the rest.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, event)
	}
}

func deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus.handler_panic", "event", event.Name, "panic", r)
		}
	}()
	h(event)
}
