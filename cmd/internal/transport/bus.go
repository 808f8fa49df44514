package transport

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	v1 "convsync/shared/contracts/realtime/v1"
)

// Handler receives a published event.
type Handler func(v1.Event)

// Subscription identifies one registered handler. The zero value is inert.
type Subscription struct {
	Type string
	id   uint64
}

// Subscriber is the registration half of a Bus. Transport implements it too.
type Subscriber interface {
	Subscribe(eventType string, h Handler) Subscription
	Unsubscribe(sub Subscription) bool
}

// subIDs is process-wide so a Subscription from a discarded Bus never matches a newer one.
var subIDs atomic.Uint64

type subscriber struct {
	id uint64
	h  Handler
}

// Bus is a typed publish/subscribe registry keyed by event type.
//
// Handlers for one type run in subscription order. A handler panic is
// recovered and logged so one subscriber cannot break fanout for the rest.
type Bus struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[string][]subscriber
}

// NewBus constructs an empty Bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{log: log, subs: make(map[string][]subscriber)}
}

// Subscribe registers h for eventType.
func (b *Bus) Subscribe(eventType string, h Handler) Subscription {
	if h == nil || eventType == "" {
		return Subscription{}
	}
	id := subIDs.Add(1)

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], subscriber{id: id, h: h})
	b.mu.Unlock()

	return Subscription{Type: eventType, id: id}
}

// Unsubscribe removes one handler. Removing the last handler of a type drops the key.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	if sub.id == 0 {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.Type]
	for i, s := range list {
		if s.id != sub.id {
			continue
		}
		rest := make([]subscriber, 0, len(list)-1)
		rest = append(rest, list[:i]...)
		rest = append(rest, list[i+1:]...)
		if len(rest) == 0 {
			delete(b.subs, sub.Type)
		} else {
			b.subs[sub.Type] = rest
		}
		return true
	}
	return false
}

// Clear removes every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = make(map[string][]subscriber)
	b.mu.Unlock()
}

// Count returns the number of handlers registered for eventType.
func (b *Bus) Count(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Has reports whether eventType has a key in the registry.
func (b *Bus) Has(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[eventType]
	return ok
}

// Publish delivers ev to every handler of its type, synchronously and in order.
func (b *Bus) Publish(ev v1.Event) {
	if ev == nil {
		return
	}
	typ := ev.EventType()

	b.mu.RLock()
	list := b.subs[typ]
	b.mu.RUnlock()

	// list is never mutated in place, so it is safe to range without the lock.
	for _, s := range list {
		b.call(typ, s.h, ev)
	}
}

func (b *Bus) call(typ string, h Handler, ev v1.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("transport.bus.handler.panic", "type", typ, "panic", r)
		}
	}()
	h(ev)
}

// On subscribes fn to events of concrete type E on s.
//
//	transport.On(t, func(ev v1.NewMessage) { ... })
func On[E v1.Event](s Subscriber, fn func(E)) Subscription {
	var zero E
	return s.Subscribe(zero.EventType(), func(ev v1.Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}
