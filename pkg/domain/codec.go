package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownEventType is returned when decoding an event whose type has no
// registered payload. Consumers log and skip such events so that old
// binaries tolerate new event types.
var ErrUnknownEventType = errors.New("unknown event type")

// payloadRegistration describes one event type in the payload registry.
type payloadRegistration struct {
	schemaVersion int
	factory       func() any
}

var payloadRegistry = struct {
	sync.RWMutex
	types map[string]payloadRegistration
}{types: make(map[string]payloadRegistration)}

// RegisterPayload registers the payload prototype for an event type.
// The factory must return a pointer to a fresh zero value of the payload
// struct. Registering the same event type twice panics; the canonical event
// set is declared once at init time.
func RegisterPayload(eventType string, schemaVersion int, factory func() any) {
	payloadRegistry.Lock()
	defer payloadRegistry.Unlock()

	if _, exists := payloadRegistry.types[eventType]; exists {
		panic(fmt.Sprintf("domain: payload already registered for event type %q", eventType))
	}
	payloadRegistry.types[eventType] = payloadRegistration{
		schemaVersion: schemaVersion,
		factory:       factory,
	}
}

// PayloadSchemaVersion returns the current schema version for an event type,
// or zero when the type is unknown.
func PayloadSchemaVersion(eventType string) int {
	payloadRegistry.RLock()
	defer payloadRegistry.RUnlock()
	return payloadRegistry.types[eventType].schemaVersion
}

// DecodePayload decodes raw JSON into the registered payload struct for the
// given event type. Returns ErrUnknownEventType when the type has no
// registration.
func DecodePayload(eventType string, data json.RawMessage) (any, error) {
	payloadRegistry.RLock()
	reg, ok := payloadRegistry.types[eventType]
	payloadRegistry.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	payload := reg.factory()
	if len(data) > 0 {
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
	}
	return payload, nil
}

// KnownEventType reports whether the event type has a registered payload.
func KnownEventType(eventType string) bool {
	payloadRegistry.RLock()
	defer payloadRegistry.RUnlock()
	_, ok := payloadRegistry.types[eventType]
	return ok
}
