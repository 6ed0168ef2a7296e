// Package bus is the in-process publish/subscribe fabric between
// protocol drivers and their consumers (relay engine, plugins).
// Delivery is FIFO per originating network and at most once per
// subscriber; a subscriber that panics is logged and unsubscribed.
package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/interlink-irc/interlink/internal/protocol"
)

const subscriberBuffer = 512

// Handler consumes one event. Handlers for the same subscriber run on
// a single goroutine, in publish order per network.
type Handler func(ev protocol.Event)

type subscriber struct {
	name    string
	ch      chan protocol.Event
	handler Handler
	done    chan struct{}
	failed  bool // set by the dispatch goroutine after a panic
}

// Bus fans events out to registered subscribers. Publishing never
// blocks the caller: a subscriber whose queue is saturated loses the
// event, which is logged as an error.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	logger zerolog.Logger
	closed bool
}

// New constructs an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]*subscriber),
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a named handler. Re-subscribing a name replaces
// the previous registration.
func (b *Bus) Subscribe(name string, h Handler) {
	sub := &subscriber{
		name:    name,
		ch:      make(chan protocol.Event, subscriberBuffer),
		handler: h,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if old, ok := b.subs[name]; ok {
		close(old.ch)
	}
	b.subs[name] = sub
	b.mu.Unlock()

	go b.run(sub)
}

// Unsubscribe removes a subscriber and waits for its queue to drain.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
		close(sub.ch)
	}
	b.mu.Unlock()
	if ok {
		<-sub.done
	}
}

// Publish delivers an event to every subscriber.
func (b *Bus) Publish(ev protocol.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Error().
				Str("subscriber", sub.name).
				Str("network", ev.Network).
				Stringer("kind", ev.Kind).
				Msg("subscriber queue full, event dropped")
		}
	}
}

// Close removes all subscribers and waits for their queues to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for name, sub := range b.subs {
		delete(b.subs, name)
		close(sub.ch)
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		<-sub.done
	}
}

func (b *Bus) run(sub *subscriber) {
	defer close(sub.done)
	for ev := range sub.ch {
		b.deliver(sub, ev)
		if sub.failed {
			break
		}
	}
	// Drain anything left so publishers holding a reference make progress.
	for range sub.ch {
	}
}

func (b *Bus) deliver(sub *subscriber, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			sub.failed = true
			b.logger.Error().
				Str("subscriber", sub.name).
				Interface("panic", r).
				Msg("subscriber panicked, unsubscribing")
			go b.Unsubscribe(sub.name)
		}
	}()
	sub.handler(ev)
}
