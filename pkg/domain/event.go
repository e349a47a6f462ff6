package domain

import (
	"encoding/json"
	"time"

	"github.com/plaenen/libris/pkg/idgen"
)

// Event represents a domain event that has occurred in the system.
// Events are immutable facts about state changes.
type Event struct {
	// ID is the unique identifier for this event (ULID, sortable).
	ID string `json:"id"`

	// AggregateID is the identifier of the aggregate this event belongs to.
	AggregateID string `json:"aggregateId"`

	// AggregateType is the type name of the aggregate (e.g., "Book", "Wallet").
	AggregateType string `json:"aggregateType"`

	// EventType is the symbolic type name of the event (e.g., "BookCreated").
	EventType string `json:"eventType"`

	// Version is the 1-based per-aggregate sequence number of this event.
	// Events of an aggregate form a contiguous sequence 1..N.
	Version int64 `json:"version"`

	// GlobalVersion is the store-wide monotonic sequence number, assigned
	// at append time. Zero until the event has been persisted.
	GlobalVersion int64 `json:"globalVersion"`

	// SchemaVersion describes the payload shape for forward evolution.
	SchemaVersion int `json:"schemaVersion"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// Data is the JSON-encoded payload of the event. Its shape is keyed
	// by EventType via the payload registry.
	Data json.RawMessage `json:"payload"`

	// Metadata contains additional contextual information.
	Metadata EventMetadata `json:"metadata"`
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// StoredAt is when the store made the event durable. Zero until append.
	StoredAt time.Time `json:"storedAt"`

	// CorrelationID links all events caused by the same originating command.
	// The store generates one at append time if absent.
	CorrelationID string `json:"correlationId"`

	// CausationID is the ID of the command or event that caused this event.
	CausationID string `json:"causationId,omitempty"`
}

// EventEnvelope wraps an event with its decoded payload.
// Payload is nil when the event type is not registered; consumers must
// treat such events as skippable.
type EventEnvelope struct {
	Event
	Payload any
}

// Envelope decodes the event payload through the registry and wraps the
// event. An unknown event type yields ErrUnknownEventType; callers that
// tolerate forward compatibility log and skip.
func Envelope(evt *Event) (*EventEnvelope, error) {
	payload, err := DecodePayload(evt.EventType, evt.Data)
	if err != nil {
		return nil, err
	}
	return &EventEnvelope{Event: *evt, Payload: payload}, nil
}

// IsTransient reports whether the event has not been assigned a position in
// any aggregate stream. Transient events coordinate sagas across contexts
// and are published on the bus without being appended to the store.
func (e *Event) IsTransient() bool {
	return e.Version == 0
}

// NewTransientEvent builds a bus-only coordination event with Version 0.
// AggregateID names the aggregate the coordination concerns (for sagas, the
// reservation); the payload must be registered for the event type.
func NewTransientEvent(eventType, aggregateType, aggregateID string, payload any, metadata EventMetadata) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            idgen.MustGenerateSortableID(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Version:       0,
		SchemaVersion: PayloadSchemaVersion(eventType),
		Timestamp:     Now(),
		Data:          data,
		Metadata:      metadata,
	}, nil
}
