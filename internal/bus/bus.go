// Package bus implements the per-world multiplexing event emitter. Four
// logical channels carry all runtime traffic; every emission is additionally
// fanned out on a type-named channel when the payload declares a subtopic.
package bus

import (
	"log/slog"
	"sync"
)

// Logical channel names.
const (
	ChannelMessage = "message"
	ChannelSSE     = "sse"
	ChannelWorld   = "world"
	ChannelSystem  = "system"
)

// Handler receives the payload of an emission. Payloads are the event structs
// from pkg/models; handlers type-switch on the channel they subscribed to.
type Handler func(payload any)

// Subtopical payloads are also delivered on their type-named channel
// (e.g. "response-start", "tool-result").
type Subtopical interface {
	Subtopic() string
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous in-process emitter. Handlers run on the emitter's
// goroutine in subscription order; a handler panic is recovered and logged,
// never propagated. Handler lists are copied before iteration so handlers may
// unsubscribe themselves mid-emit.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
	logger *slog.Logger
}

// New creates an empty bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe attaches a handler to a channel and returns an unsubscribe
// function. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(channel string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[channel] = append(b.subs[channel], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(channel, id) })
	}
}

func (b *Bus) unsubscribe(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[channel]
	for i, s := range subs {
		if s.id == id {
			b.subs[channel] = append(append([]subscription(nil), subs[:i]...), subs[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every handler on channel, then on the payload's
// subtopic channel when it declares one.
func (b *Bus) Emit(channel string, payload any) {
	b.dispatch(channel, payload)
	if sub, ok := payload.(Subtopical); ok {
		if topic := sub.Subtopic(); topic != "" && topic != channel {
			b.dispatch(topic, payload)
		}
	}
}

func (b *Bus) dispatch(channel string, payload any) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[channel]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(channel, s.handler, payload)
	}
}

func (b *Bus) invoke(channel string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "channel", channel, "panic", r)
		}
	}()
	h(payload)
}

// HandlerCount returns the number of handlers on a channel, for diagnostics.
func (b *Bus) HandlerCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
