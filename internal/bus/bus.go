package bus

import (
	"context"
	"sync"
)

// frameBuffer bounds the inbound queue. A full buffer applies
// backpressure to connection read pumps rather than dropping frames,
// preserving per-connection ordering.
const frameBuffer = 256

// Bus is the in-process message fabric between the gateway and the
// engagement controller: a single ordered inbound frame queue plus a
// subscriber set for outbound event fan-out.
type Bus struct {
	frames chan Frame

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		frames:      make(chan Frame, frameBuffer),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishFrame enqueues an inbound frame. Blocks when the buffer is
// full; the single consumer drains quickly because generation work
// happens off the consume path.
func (b *Bus) PublishFrame(f Frame) {
	b.frames <- f
}

// ConsumeFrame blocks until a frame is available or ctx is done.
// The second return is false only on cancellation.
func (b *Bus) ConsumeFrame(ctx context.Context) (Frame, bool) {
	select {
	case f := <-b.frames:
		return f, true
	case <-ctx.Done():
		return Frame{}, false
	}
}

// Subscribe registers an event handler under id, replacing any previous
// handler with the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers the event to every subscriber synchronously.
// Handlers decide for themselves whether the event's routing hints
// apply to them.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
