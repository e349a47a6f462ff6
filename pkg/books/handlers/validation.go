package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/plaenen/libris/pkg/books/projections"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/messaging"
)

// NewValidationProjection answers BookValidationRequested events from the
// reservation saga with a transient BookValidationResult built from the book
// read model. The result carries the retail price so the saga can later
// decide whether accumulated late fees amount to a purchase.
func NewValidationProjection(views *projections.BookViews, bus messaging.EventBus, logger *slog.Logger) eventsourcing.Projection {
	v := &validation{
		views:  views,
		bus:    bus,
		logger: logger.With("component", "book_validation"),
	}
	return eventsourcing.NewProjectionBuilder("book_validation").
		On(eventsourcing.On(libris.EventTypeBookValidationRequested, v.onRequested)).
		Build()
}

type validation struct {
	views  *projections.BookViews
	bus    messaging.EventBus
	logger *slog.Logger
}

func (v *validation) onRequested(ctx context.Context, payload *libris.BookValidationRequested, envelope *domain.EventEnvelope) error {
	result := &libris.BookValidationResult{
		ReservationID: payload.ReservationID,
		BookID:        payload.BookID,
	}

	view, err := v.views.Get(ctx, payload.BookID, projections.FieldPrice)
	switch {
	case err == nil:
		result.IsValid = true
		result.RetailPrice = view.Price
	case errors.Is(err, eventsourcing.ErrNotFound):
		deleted, derr := v.views.DeletedExists(ctx, payload.BookID)
		if derr != nil {
			return derr
		}
		if deleted {
			result.Reason = libris.ReasonBookDeleted
		} else {
			result.Reason = libris.ReasonBookNotFound
		}
	default:
		return err
	}

	evt, err := domain.NewTransientEvent(libris.EventTypeBookValidationResult,
		libris.AggregateTypeReservation, payload.ReservationID, result, domain.EventMetadata{
			CorrelationID: envelope.Metadata.CorrelationID,
			CausationID:   envelope.ID,
		})
	if err != nil {
		return err
	}
	if err := v.bus.Publish(ctx, evt); err != nil {
		return err
	}

	v.logger.Info("book validation answered",
		"reservationId", payload.ReservationID,
		"bookId", payload.BookID,
		"isValid", result.IsValid,
		"reason", result.Reason)
	return nil
}
