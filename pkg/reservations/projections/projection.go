package projections

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"log/slog"

	"github.com/plaenen/libris/pkg/cache"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/projection"
	"github.com/plaenen/libris/pkg/reservations"
	"github.com/plaenen/libris/pkg/sqlite"
	"github.com/plaenen/libris/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewProjection wires the reservation_views read model: schema migrations,
// one handler per saga event and post-commit cache invalidation. The event
// store enables rebuilds and may be nil.
func NewProjection(ctx context.Context, db *sql.DB, views *ReservationViews, events store.EventStore, c cache.Cache, logger *slog.Logger) (eventsourcing.Projection, error) {
	h := &viewHandlers{views: views, logger: logger.With("projection", "reservation_views")}

	built, err := sqlite.NewProjectionBuilder("reservation_views", db).
		WithMigrations(migrationsFS, "migrations").
		WithEventStore(events).
		WithLogger(logger).
		On(eventsourcing.On(libris.EventTypeReservationCreated, h.onCreated)).
		On(eventsourcing.On(libris.EventTypeReservationRetailPriceSet, h.onRetailPriceSet)).
		On(eventsourcing.On(libris.EventTypeReservationPendingPayment, h.onPendingPayment)).
		On(eventsourcing.On(libris.EventTypeReservationConfirmed, h.onConfirmed)).
		On(eventsourcing.On(libris.EventTypeReservationRejected, h.onRejected)).
		On(eventsourcing.On(libris.EventTypeReservationCancelled, h.onCancelled)).
		On(eventsourcing.On(libris.EventTypeReservationBookBorrowed, h.onBookBorrowed)).
		On(eventsourcing.On(libris.EventTypeReservationReturned, h.onReturned)).
		On(eventsourcing.On(libris.EventTypeReservationBookBrought, h.onBookBrought)).
		On(eventsourcing.On(libris.EventTypeReservationDeleted, h.onDeleted)).
		OnReset(func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "DELETE FROM reservation_views")
			return err
		}).
		Build(ctx)
	if err != nil {
		return nil, err
	}

	// History keys are user-scoped while events are reservation-scoped; the
	// committed row maps one back to the other.
	return eventsourcing.WrapPostHandle(built, func(ctx context.Context, envelope *domain.EventEnvelope) {
		owner, err := views.OwnerOf(ctx, envelope.AggregateID)
		if err != nil {
			if !errors.Is(err, eventsourcing.ErrNotFound) {
				h.logger.Warn("cache invalidation skipped",
					"reservationId", envelope.AggregateID, "error", err)
			}
			return
		}
		c.DelPattern(ctx, CacheKeyUserPattern(owner))
	}), nil
}

type viewHandlers struct {
	views  *ReservationViews
	logger *slog.Logger
}

func (h *viewHandlers) onCreated(ctx context.Context, p *libris.ReservationCreated, envelope *domain.EventEnvelope) error {
	at := envelope.Timestamp.Unix()
	return h.views.Save(ctx, &ReservationView{
		ID:        envelope.AggregateID,
		UserID:    p.UserID,
		BookID:    p.BookID,
		Status:    string(reservations.StatusValidating),
		DueDate:   p.DueDate.Unix(),
		Version:   envelope.Version,
		CreatedAt: at,
		UpdatedAt: at,
	})
}

func (h *viewHandlers) onRetailPriceSet(ctx context.Context, p *libris.ReservationRetailPriceSet, envelope *domain.EventEnvelope) error {
	return h.patch(ctx, envelope, projection.Patch{
		FieldRetailPrice: p.RetailPrice,
	})
}

func (h *viewHandlers) onPendingPayment(ctx context.Context, p *libris.ReservationPendingPayment, envelope *domain.EventEnvelope) error {
	return h.patch(ctx, envelope, projection.Patch{
		FieldStatus: string(reservations.StatusPendingPayment),
		FieldFee:    p.Amount,
	})
}

func (h *viewHandlers) onConfirmed(ctx context.Context, p *libris.ReservationConfirmed, envelope *domain.EventEnvelope) error {
	return h.patch(ctx, envelope, projection.Patch{
		FieldStatus:     string(reservations.StatusReserved),
		FieldPaymentRef: p.PaymentRef,
	})
}

func (h *viewHandlers) onRejected(ctx context.Context, p *libris.ReservationRejected, envelope *domain.EventEnvelope) error {
	return h.patch(ctx, envelope, projection.Patch{
		FieldStatus: string(reservations.StatusRejected),
		FieldReason: p.Reason,
	})
}

func (h *viewHandlers) onCancelled(ctx context.Context, p *libris.ReservationCancelled, envelope *domain.EventEnvelope) error {
	return h.patch(ctx, envelope, projection.Patch{
		FieldStatus: string(reservations.StatusCancelled),
		FieldReason: p.Reason,
	})
}

func (h *viewHandlers) onBookBorrowed(ctx context.Context, _ *libris.ReservationBookBorrowed, envelope *domain.EventEnvelope) error {
	return h.patch(ctx, envelope, projection.Patch{
		FieldStatus: string(reservations.StatusBorrowed),
	})
}

func (h *viewHandlers) onReturned(ctx context.Context, p *libris.ReservationReturned, envelope *domain.EventEnvelope) error {
	status := reservations.StatusReturned
	if p.DaysLate > 0 {
		status = reservations.StatusLate
	}
	return h.patch(ctx, envelope, projection.Patch{
		FieldStatus:   string(status),
		FieldDaysLate: p.DaysLate,
	})
}

func (h *viewHandlers) onBookBrought(ctx context.Context, _ *libris.ReservationBookBrought, envelope *domain.EventEnvelope) error {
	return h.patch(ctx, envelope, projection.Patch{
		FieldStatus: string(reservations.StatusBrought),
	})
}

func (h *viewHandlers) onDeleted(ctx context.Context, _ *libris.ReservationDeleted, envelope *domain.EventEnvelope) error {
	return h.views.MarkDeleted(ctx, envelope.AggregateID, envelope.Version, envelope.Timestamp)
}

// patch applies a versioned update; stale redeliveries are silent no-ops.
func (h *viewHandlers) patch(ctx context.Context, envelope *domain.EventEnvelope, patch projection.Patch) error {
	patch[FieldUpdatedAt] = envelope.Timestamp.Unix()
	return h.views.UpdateVersioned(ctx, envelope.AggregateID, patch, envelope.Version)
}
