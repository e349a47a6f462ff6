package eventsourcing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plaenen/libris/pkg/domain"
)

// EventHandlerRegistration binds one event type to a handler. Registrations
// from any context can be combined into a single cross-domain projection.
type EventHandlerRegistration struct {
	EventType string
	Handler   func(context.Context, *domain.EventEnvelope) error
}

// On creates a typed registration for eventType. The handler receives the
// decoded payload alongside the envelope; payloads that fail to decode fail
// the delivery.
func On[T any](eventType string, handler func(ctx context.Context, payload *T, envelope *domain.EventEnvelope) error) EventHandlerRegistration {
	return EventHandlerRegistration{
		EventType: eventType,
		Handler: func(ctx context.Context, envelope *domain.EventEnvelope) error {
			if payload, ok := envelope.Payload.(*T); ok {
				return handler(ctx, payload, envelope)
			}
			payload := new(T)
			if err := json.Unmarshal(envelope.Event.Data, payload); err != nil {
				return fmt.Errorf("decode %s payload: %w", eventType, err)
			}
			return handler(ctx, payload, envelope)
		},
	}
}

// ProjectionBuilder assembles a Projection from typed event handler
// registrations.
type ProjectionBuilder struct {
	name      string
	order     []string
	handlers  map[string]func(context.Context, *domain.EventEnvelope) error
	resetFunc func(context.Context) error
}

// NewProjectionBuilder creates a builder for a named projection.
//
// Example:
//
//	projection := eventsourcing.NewProjectionBuilder("catalog").
//	    On(eventsourcing.On(libris.EventTypeBookCreated, onBookCreated)).
//	    On(eventsourcing.On(libris.EventTypeBookUpdated, onBookUpdated)).
//	    Build()
func NewProjectionBuilder(name string) *ProjectionBuilder {
	return &ProjectionBuilder{
		name:     name,
		handlers: make(map[string]func(context.Context, *domain.EventEnvelope) error),
	}
}

// On registers a handler. Exactly one handler per event type; a second
// registration for the same type panics.
func (b *ProjectionBuilder) On(registration EventHandlerRegistration) *ProjectionBuilder {
	if _, exists := b.handlers[registration.EventType]; exists {
		panic(fmt.Sprintf("projection %s: handler already registered for %s", b.name, registration.EventType))
	}
	b.order = append(b.order, registration.EventType)
	b.handlers[registration.EventType] = registration.Handler
	return b
}

// OnReset registers the function that drops the projection's state.
func (b *ProjectionBuilder) OnReset(resetFunc func(context.Context) error) *ProjectionBuilder {
	b.resetFunc = resetFunc
	return b
}

// Build creates the final Projection.
func (b *ProjectionBuilder) Build() Projection {
	return &builtProjection{
		name:       b.name,
		eventTypes: b.order,
		handlers:   b.handlers,
		resetFunc:  b.resetFunc,
	}
}

type builtProjection struct {
	name       string
	eventTypes []string
	handlers   map[string]func(context.Context, *domain.EventEnvelope) error
	resetFunc  func(context.Context) error
}

func (p *builtProjection) Name() string { return p.name }

func (p *builtProjection) EventTypes() []string { return p.eventTypes }

// Handle dispatches to the registered handler. Event types outside the
// declared set are skipped.
func (p *builtProjection) Handle(ctx context.Context, envelope *domain.EventEnvelope) error {
	handler, exists := p.handlers[envelope.Event.EventType]
	if !exists {
		return nil
	}
	return handler(ctx, envelope)
}

func (p *builtProjection) Reset(ctx context.Context) error {
	if p.resetFunc == nil {
		return nil
	}
	return p.resetFunc(ctx)
}
