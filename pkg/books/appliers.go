package books

import (
	"errors"
	"log/slog"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/store"
)

// Apply folds one stored event into the aggregate. Unregistered event types
// are logged and skipped so an older binary tolerates streams written by a
// newer one.
func Apply(book *Book, event *domain.Event) error {
	payload, err := domain.DecodePayload(event.EventType, event.Data)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEventType) {
			slog.Warn("skipping unknown event type during rehydration",
				"aggregateId", event.AggregateID,
				"eventType", event.EventType,
				"version", event.Version)
			return nil
		}
		return err
	}
	book.apply(payload)
	return nil
}

// NewRepository returns the event-sourced Book repository.
func NewRepository(events store.EventStore, opts ...store.RepositoryOption[*Book]) *store.BaseRepository[*Book] {
	return store.NewRepository(events, libris.AggregateTypeBook, New, Apply, opts...)
}
