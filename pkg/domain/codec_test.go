package domain_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/plaenen/libris/pkg/domain"
)

func TestDecodePayload(t *testing.T) {
	t.Run("Known", func(t *testing.T) {
		raw := json.RawMessage(`{"name":"history"}`)
		payload, err := domain.DecodePayload("ShelfOpened", raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		opened, ok := payload.(*shelfOpened)
		if !ok {
			t.Fatalf("expected *shelfOpened, got %T", payload)
		}
		if opened.Name != "history" {
			t.Errorf("expected name history, got %s", opened.Name)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := domain.DecodePayload("NoSuchEvent", nil)
		if !errors.Is(err, domain.ErrUnknownEventType) {
			t.Errorf("expected ErrUnknownEventType, got %v", err)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := domain.DecodePayload("ShelfOpened", json.RawMessage(`{`))
		if err == nil {
			t.Error("expected error for malformed JSON")
		}
	})
}

func TestEnvelope(t *testing.T) {
	root := domain.NewAggregateRoot("shelf-3", "Shelf")
	if err := root.ApplyChange("ShelfOpened", &shelfOpened{Name: "maps"}); err != nil {
		t.Fatalf("apply change: %v", err)
	}
	evt := root.UncommittedEvents()[0]

	env, err := domain.Envelope(evt)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.EventType != "ShelfOpened" {
		t.Errorf("expected ShelfOpened, got %s", env.EventType)
	}
	if env.Payload.(*shelfOpened).Name != "maps" {
		t.Errorf("payload round trip failed: %+v", env.Payload)
	}
}

func TestEventWireFormat(t *testing.T) {
	evt := &domain.Event{
		ID:            "01J0000000000000000000000",
		AggregateID:   "agg-1",
		AggregateType: "Shelf",
		EventType:     "ShelfOpened",
		Version:       1,
		GlobalVersion: 7,
		SchemaVersion: 1,
		Data:          json.RawMessage(`{"name":"art"}`),
	}

	out, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(out, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"aggregateId", "eventType", "version", "globalVersion", "schemaVersion", "payload", "metadata"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("wire record missing %q", key)
		}
	}
}
