// Package transport defines the narrow pub/sub contract the core depends on.
// Topic paths use '/' separators with '*' matching exactly one segment; each
// implementation maps that shape onto its broker's native subject syntax.
package transport

import "context"

// Handler consumes one raw message delivered on a subscribed topic.
type Handler func(ctx context.Context, topic string, data []byte)

// Subscription is a live topic subscription that can be torn down.
type Subscription interface {
	// Unsubscribe stops delivery for this subscription.
	Unsubscribe() error

	// Topic returns the pattern this subscription was created with.
	Topic() string
}

// Transport is the one-way, fan-out pub/sub boundary. Publish is
// fire-and-forget; request/reply semantics are layered above by the
// correlator, never by the transport.
type Transport interface {
	// Publish sends raw bytes on a topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers a handler for a topic pattern and returns the
	// live subscription.
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)
}
