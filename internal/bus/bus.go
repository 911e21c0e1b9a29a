// Package bus is the in-process broadcast of parsed agent messages.
package bus

import (
	"sync"
	"sync/atomic"

	"claude-bridge/internal/protocol"

	"go.uber.org/zap"
)

const defaultSubscriberBufCap = 1024

// Envelope is one agent message tagged with the session it arrived on.
type Envelope struct {
	SessionID string
	Message   *protocol.Message
}

// Subscription receives envelopes on C until Unsubscribe is called or the
// subscriber falls a full buffer behind, whichever comes first.
type Subscription struct {
	C <-chan Envelope

	id      uint64
	ch      chan Envelope
	session string
	bus     *Bus
	once    sync.Once
	lagged  atomic.Bool
}

// Unsubscribe detaches the subscription and closes C. It is safe to call
// more than once and from the goroutine draining C.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Lagged reports whether the bus closed C because the subscriber's buffer
// overflowed. Envelopes already buffered are still delivered before the close.
func (s *Subscription) Lagged() bool {
	return s.lagged.Load()
}

// Bus fans envelopes out to subscribers. Publish never blocks: a subscriber
// whose buffer is full is cut off rather than handed a stream with a gap.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	logger *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a subscriber. A non-empty sessionID restricts delivery
// to that session's envelopes; empty receives everything.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	ch := make(chan Envelope, defaultSubscriberBufCap)

	b.mu.Lock()
	b.nextID++
	sub := &Subscription{
		C:       ch,
		id:      b.nextID,
		ch:      ch,
		session: sessionID,
		bus:     b,
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// Publish delivers env to every matching subscriber in publish order.
func (b *Bus) Publish(env Envelope) {
	var overflowed []*Subscription

	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.session != "" && sub.session != env.SessionID {
			continue
		}
		if sub.lagged.Load() {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			if sub.lagged.CompareAndSwap(false, true) {
				overflowed = append(overflowed, sub)
			}
		}
	}
	b.mu.RUnlock()

	// Lagged subscribers receive nothing further, so closing after the read
	// lock is released cannot reorder their stream.
	for _, sub := range overflowed {
		b.logger.Warn("subscriber buffer full, closing subscription",
			zap.String("session", env.SessionID),
			zap.String("type", string(env.Message.Type)))
		sub.Unsubscribe()
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
