package transport

import (
	"context"
	"strings"
	"sync"
)

// Bus is an in-memory Transport used by tests and local development. Delivery
// is synchronous in publish order, which preserves the per-topic ordering the
// dispatcher relies on. It also records published messages for assertions.
type Bus struct {
	mu        sync.Mutex
	subs      []*busSubscription
	published []PublishedMessage
}

// PublishedMessage is one recorded Publish call.
type PublishedMessage struct {
	Topic string
	Data  []byte
}

// NewBus creates an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{}
}

type busSubscription struct {
	bus     *Bus
	pattern string
	handler Handler
	closed  bool
}

// Topic returns the pattern this subscription was created with
func (s *busSubscription) Topic() string {
	return s.pattern
}

// Unsubscribe stops delivery for this subscription
func (s *busSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.closed = true
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

// Publish records the message and delivers it synchronously to every
// matching subscription.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	b.published = append(b.published, PublishedMessage{Topic: topic, Data: append([]byte(nil), data...)})
	matched := make([]*busSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if !sub.closed && TopicMatches(sub.pattern, topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		sub.handler(ctx, topic, data)
	}
	return nil
}

// Subscribe registers a handler for a pattern.
func (b *Bus) Subscribe(_ context.Context, pattern string, handler Handler) (Subscription, error) {
	sub := &busSubscription{bus: b, pattern: pattern, handler: handler}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub, nil
}

// Published returns a copy of every recorded Publish call.
func (b *Bus) Published() []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PublishedMessage(nil), b.published...)
}

// PublishedOn returns the recorded messages for one topic.
func (b *Bus) PublishedOn(topic string) []PublishedMessage {
	var msgs []PublishedMessage
	for _, msg := range b.Published() {
		if msg.Topic == topic {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// TopicMatches reports whether a concrete topic matches a pattern where '*'
// matches exactly one path segment.
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	if len(p) != len(t) {
		return false
	}
	for i := range p {
		if p[i] != "*" && p[i] != t[i] {
			return false
		}
	}
	return true
}
