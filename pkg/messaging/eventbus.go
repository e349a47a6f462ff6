package messaging

import (
	"context"

	"github.com/plaenen/libris/pkg/domain"
)

// EventHandler processes a single delivered event.
// Returning an error nacks the delivery; the bus fans out a <Type>Failed
// event and acknowledges the original so it cannot poison the queue.
type EventHandler func(ctx context.Context, envelope *domain.EventEnvelope) error

// Subscription is an active handler registration on the bus.
type Subscription interface {
	// EventType returns the bound event type, or "" for a catch-all
	// subscription.
	EventType() string

	// Unsubscribe detaches the handler. Safe to call more than once.
	Unsubscribe() error
}

// EventBus is the reliable pub/sub boundary between contexts.
//
// Delivery is at-least-once with a per-service durable queue: competing
// consumers of one service share a single delivery. Per-aggregate publish
// order is preserved; there is no cross-aggregate ordering guarantee.
type EventBus interface {
	// Init connects and provisions the underlying stream and durable queue.
	// Calling Init more than once is a no-op.
	Init(ctx context.Context) error

	// BindEventTypes declares routing keys before consumers start so that
	// events published early are retained rather than dropped.
	BindEventTypes(ctx context.Context, eventTypes ...string) error

	// Subscribe attaches a handler for one event type.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)

	// SubscribeAll attaches a handler for every event type on the stream.
	SubscribeAll(handler EventHandler) (Subscription, error)

	// Unsubscribe detaches a subscription and reports whether it was still
	// active.
	Unsubscribe(sub Subscription) bool

	// Publish sends events to the stream, one message per event, routed by
	// event type. It returns after the broker has confirmed the writes.
	// Message deduplication is keyed on the event id.
	Publish(ctx context.Context, events ...*domain.Event) error

	// StartConsuming begins delivering events to subscribed handlers.
	StartConsuming(ctx context.Context) error

	// Shutdown drains in-flight deliveries and releases the connection.
	Shutdown(ctx context.Context) error

	// CheckHealth reports whether the bus can reach the broker.
	CheckHealth(ctx context.Context) error
}
