package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/plaenen/libris/pkg/domain"
	natspkg "github.com/plaenen/libris/pkg/nats"
)

type shelfMarked struct {
	Shelf string `json:"shelf"`
}

func init() {
	domain.RegisterPayload("ShelfMarked", 1, func() any { return &shelfMarked{} })
}

func TestServiceBootsEmbeddedBroker(t *testing.T) {
	ctx := context.Background()
	service := New(WithConfig(natspkg.Config{ServiceName: "eventbus-test"}))

	if service.Bus() != nil {
		t.Error("Bus before start should be nil")
	}
	if service.URL() != "" {
		t.Errorf("URL before start = %q, want empty", service.URL())
	}

	if err := service.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer service.Stop(ctx)

	if service.Bus() == nil {
		t.Fatal("Bus after start should not be nil")
	}
	if service.URL() == "" {
		t.Error("URL after start should not be empty")
	}
	if err := service.HealthCheck(ctx); err != nil {
		t.Errorf("health check: %v", err)
	}
}

func TestServiceUsesExternalBroker(t *testing.T) {
	srv, err := natspkg.StartEmbeddedServer()
	if err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	ctx := context.Background()
	service := New(WithConfig(natspkg.Config{
		URL:         srv.URL(),
		ServiceName: "eventbus-test",
	}))

	if err := service.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer service.Stop(ctx)

	if service.URL() != srv.URL() {
		t.Errorf("URL = %q, want %q", service.URL(), srv.URL())
	}
}

func TestServiceDeliversEvents(t *testing.T) {
	ctx := context.Background()
	service := New(WithConfig(natspkg.Config{ServiceName: "eventbus-test"}))
	if err := service.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer service.Stop(ctx)

	bus := service.Bus()
	received := make(chan *domain.EventEnvelope, 1)
	if _, err := bus.Subscribe("ShelfMarked", func(_ context.Context, envelope *domain.EventEnvelope) error {
		received <- envelope
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.BindEventTypes(ctx, "ShelfMarked"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	data, err := json.Marshal(shelfMarked{Shelf: "A3"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	event := &domain.Event{
		ID:            "evt-shelf-1",
		AggregateID:   "shelf_1",
		AggregateType: "Shelf",
		EventType:     "ShelfMarked",
		Version:       1,
		SchemaVersion: 1,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}
	if err := bus.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.StartConsuming(ctx); err != nil {
		t.Fatalf("start consuming: %v", err)
	}

	select {
	case envelope := <-received:
		payload, ok := envelope.Payload.(*shelfMarked)
		if !ok {
			t.Fatalf("unexpected payload type %T", envelope.Payload)
		}
		if payload.Shelf != "A3" {
			t.Errorf("payload = %+v", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestServiceStopWithoutStart(t *testing.T) {
	service := New()
	if err := service.Stop(context.Background()); err != nil {
		t.Errorf("Stop without Start: %v", err)
	}
}

func TestServiceSecondStartFails(t *testing.T) {
	ctx := context.Background()
	service := New(WithConfig(natspkg.Config{ServiceName: "eventbus-test"}))
	if err := service.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer service.Stop(ctx)

	if err := service.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
}
