package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/plaenen/libris/pkg/idgen"
)

// Aggregate is what a repository needs from a domain object: identity,
// a version for optimistic concurrency, and the buffered events to persist.
type Aggregate interface {
	ID() string
	Type() string
	Version() int64

	// UncommittedEvents returns the events buffered since the last save.
	UncommittedEvents() []*Event

	// ClearUncommittedEvents empties the buffer once the events are stored.
	ClearUncommittedEvents()
}

// AggregateRoot carries the bookkeeping every aggregate shares: identity,
// version, the uncommitted-event buffer, and the correlation pair stamped
// onto emitted events. Embed it and raise events through ApplyChange.
type AggregateRoot struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []*Event
	correlationID     string
	causationID       string
}

// NewAggregateRoot starts an aggregate at version 0 with no history.
func NewAggregateRoot(id, aggregateType string) AggregateRoot {
	return AggregateRoot{
		id:            id,
		aggregateType: aggregateType,
	}
}

func (a *AggregateRoot) ID() string     { return a.id }
func (a *AggregateRoot) Type() string   { return a.aggregateType }
func (a *AggregateRoot) Version() int64 { return a.version }

// UncommittedEvents returns the events buffered since the last save.
func (a *AggregateRoot) UncommittedEvents() []*Event {
	return a.uncommittedEvents
}

// ClearUncommittedEvents empties the buffer once the events are stored.
func (a *AggregateRoot) ClearUncommittedEvents() {
	a.uncommittedEvents = nil
}

// SetCorrelation records the correlation and causation identifiers stamped
// onto every event this aggregate emits. Call it before processing a command.
func (a *AggregateRoot) SetCorrelation(correlationID, causationID string) {
	a.correlationID = correlationID
	a.causationID = causationID
}

// ApplyChange buffers a new event produced by the aggregate. The event
// receives version current+1 and the payload is serialized to JSON. The
// schema version comes from the payload registry.
func (a *AggregateRoot) ApplyChange(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	evt := &Event{
		ID:            idgen.MustGenerateSortableID(),
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		EventType:     eventType,
		Version:       a.version + 1,
		SchemaVersion: PayloadSchemaVersion(eventType),
		Timestamp:     Now(),
		Data:          data,
		Metadata: EventMetadata{
			CorrelationID: a.correlationID,
			CausationID:   a.causationID,
		},
	}

	a.uncommittedEvents = append(a.uncommittedEvents, evt)
	a.version++

	return nil
}

// SetVersion overrides the tracked version. Rehydration uses it to record
// the version of the last applied event.
func (a *AggregateRoot) SetVersion(version int64) {
	a.version = version
}

// ValidateHistory checks that an event stream can rehydrate an aggregate:
// non-empty, first event at version 1, strictly contiguous versions, and a
// consistent aggregate id throughout.
func ValidateHistory(events []*Event) error {
	if len(events) == 0 {
		return fmt.Errorf("empty event stream")
	}
	if events[0].Version != 1 {
		return fmt.Errorf("event stream starts at version %d, want 1", events[0].Version)
	}
	id := events[0].AggregateID
	for i, evt := range events {
		if evt.Version != int64(i)+1 {
			return fmt.Errorf("event stream has version %d at index %d, want %d", evt.Version, i, i+1)
		}
		if evt.AggregateID != id {
			return fmt.Errorf("event stream mixes aggregates %s and %s", id, evt.AggregateID)
		}
	}
	return nil
}

// TimeFunc is a function that returns the current time.
// This can be overridden for testing.
var TimeFunc = time.Now

// Now returns the current time using the configured TimeFunc.
func Now() time.Time {
	return TimeFunc()
}

// NewAggregateID generates a fresh opaque aggregate identifier.
func NewAggregateID() string {
	return idgen.MustGenerateAggregateID()
}
