// Package bus is the in-process publish/subscribe channel for structured
// events. Delivery is best-effort: publishing never blocks, and a subscriber
// that falls behind loses events rather than stalling producers.
package bus

import (
	"sync"

	"switchboard/pkg/logx"
	"switchboard/pkg/proto"
)

const defaultBuffer = 64

// Bus fans events out to subscribers.
type Bus struct {
	logger *logx.Logger
	mu     sync.RWMutex
	subs   map[int]chan proto.Event
	nextID int
	closed bool
}

func New() *Bus {
	return &Bus{
		logger: logx.NewLogger("bus"),
		subs:   make(map[int]chan proto.Event),
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription; the channel is closed by cancel.
func (b *Bus) Subscribe() (<-chan proto.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan proto.Event, defaultBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking. Slow subscribers
// drop events.
func (b *Bus) Publish(ev proto.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("Subscriber %d full, dropping %s event", id, ev.Type)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// SubscriberCount reports current subscribers (used by queue status).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
