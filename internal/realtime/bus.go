package realtime

import (
	"fmt"
	"sync"

	"goridesync/internal/protocol"
	"goridesync/pkg/logger"
)

// Handler consumes one transport event. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(env protocol.Envelope)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the typed publish/subscribe layer between the transport and its
// consumers. Event names are validated against the protocol enum so a typo
// cannot silently create a dead channel.
type Bus struct {
	mu       sync.Mutex
	handlers map[protocol.EventName][]*subscription
	nextID   uint64
	log      *logger.Logger
}

func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		handlers: make(map[protocol.EventName][]*subscription),
		log:      log,
	}
}

// Subscribe registers a handler for the given event and returns its
// unsubscribe function. Multiple handlers per event are kept in
// registration order; each is removable without touching the others.
func (b *Bus) Subscribe(event protocol.EventName, handler Handler) (func(), error) {
	if !event.Valid() {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownEvent, event)
	}
	if handler == nil {
		return nil, fmt.Errorf("nil handler for event %s", event)
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler}
	b.handlers[event] = append(b.handlers[event], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[event]
		for i, s := range subs {
			if s.id == sub.id {
				b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

// Publish delivers the envelope to every current handler of its event, in
// registration order. A panicking handler is recovered and logged; delivery
// continues with the remaining handlers.
func (b *Bus) Publish(env protocol.Envelope) {
	if !env.Event.Valid() {
		b.log.WithField("event", string(env.Event)).Warn("Dropping event with unknown name")
		return
	}

	b.mu.Lock()
	subs := make([]*subscription, len(b.handlers[env.Event]))
	copy(subs, b.handlers[env.Event])
	b.mu.Unlock()

	for _, sub := range subs {
		b.invoke(sub, env)
	}
}

func (b *Bus) invoke(sub *subscription, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(map[string]interface{}{
				"event": string(env.Event),
				"panic": fmt.Sprintf("%v", r),
			}).Error("Event handler panicked")
		}
	}()

	sub.handler(env)
}
