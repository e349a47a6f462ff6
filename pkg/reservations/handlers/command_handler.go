// Package handlers exposes the Reservations context behavior: command
// handlers for the loan lifecycle, the history query handler, and the saga
// reactor that drives a reservation from Validating to its terminal state.
package handlers

import (
	"context"
	"log/slog"

	"github.com/plaenen/libris/pkg/config"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/messaging"
	"github.com/plaenen/libris/pkg/reservations"
	"github.com/plaenen/libris/pkg/store"
)

// Option configures a handler.
type Option func(*handlerOptions)

type handlerOptions struct {
	logger *slog.Logger
}

// WithLogger sets the handler logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *handlerOptions) { o.logger = logger }
}

func buildOptions(opts []Option) handlerOptions {
	cfg := handlerOptions{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

// CommandHandler executes loan mutations against the Reservation write
// model.
type CommandHandler struct {
	repo    *store.BaseRepository[*reservations.Reservation]
	events  store.EventStore
	bus     messaging.EventBus
	retry   eventsourcing.RetryConfig
	dueDays int
	logger  *slog.Logger
}

// NewCommandHandler wires the Reservation command side. The due date is
// fixed at creation from the configured loan period.
func NewCommandHandler(events store.EventStore, bus messaging.EventBus, cfg config.Config, opts ...Option) *CommandHandler {
	o := buildOptions(opts)
	retry := eventsourcing.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetryAttempts
	return &CommandHandler{
		repo:    reservations.NewRepository(events),
		events:  events,
		bus:     bus,
		retry:   retry,
		dueDays: cfg.ReturnDueDays,
		logger:  o.logger.With("component", "reservation_commands"),
	}
}

// Register binds the handler's commands on the command bus.
func (h *CommandHandler) Register(bus eventsourcing.CommandBus) {
	bus.Register(reservations.CommandTypeCreateReservation, eventsourcing.Typed(h.CreateReservation))
	bus.Register(reservations.CommandTypeBorrowReservation, eventsourcing.Typed(h.BorrowReservation))
	bus.Register(reservations.CommandTypeReturnReservation, eventsourcing.Typed(h.ReturnReservation))
	bus.Register(reservations.CommandTypeCancelReservation, eventsourcing.Typed(h.CancelReservation))
	bus.Register(reservations.CommandTypeDeleteReservation, eventsourcing.Typed(h.DeleteReservation))
}

// CreateReservation opens a reservation in Validating and asks the Books
// context for the book. The ack returns immediately; confirmation or
// rejection arrives through the saga and lands in the history view.
func (h *CommandHandler) CreateReservation(ctx context.Context, cmd *reservations.CreateReservationCommand, meta domain.CommandMetadata) (*eventsourcing.CommandAck, error) {
	if err := cmd.ValidateFields().ToError(); err != nil {
		return nil, err
	}

	reservation := reservations.New(domain.NewAggregateID())
	reservation.SetCorrelation(meta.CorrelationID, meta.CommandID)
	dueDate := domain.Now().UTC().AddDate(0, 0, h.dueDays)
	if err := reservation.Create(cmd.UserID, cmd.BookID, dueDate); err != nil {
		return nil, err
	}

	persisted, err := h.repo.Save(ctx, reservation)
	if err != nil {
		return nil, err
	}
	h.publish(ctx, persisted)

	// The transient request is addressed to the book; the Books context
	// answers to the reservation. A lost request leaves the reservation
	// in Validating until the reaper collects it.
	request, err := domain.NewTransientEvent(libris.EventTypeBookValidationRequested,
		libris.AggregateTypeBook, cmd.BookID,
		&libris.BookValidationRequested{
			ReservationID: reservation.ID(),
			BookID:        cmd.BookID,
		}, domain.EventMetadata{
			CorrelationID: meta.CorrelationID,
			CausationID:   persisted[0].ID,
		})
	if err != nil {
		return nil, err
	}
	if err := h.bus.Publish(ctx, request); err != nil {
		h.logger.Error("failed to publish validation request",
			"reservationId", reservation.ID(), "bookId", cmd.BookID, "error", err)
	}

	h.logger.Info("reservation created",
		"reservationId", reservation.ID(),
		"userId", cmd.UserID,
		"bookId", cmd.BookID,
		"dueDate", dueDate)
	return &eventsourcing.CommandAck{AggregateID: reservation.ID(), Version: reservation.Version()}, nil
}

// BorrowReservation records the physical pickup of a reserved book.
func (h *CommandHandler) BorrowReservation(ctx context.Context, cmd *reservations.BorrowReservationCommand, meta domain.CommandMetadata) (*eventsourcing.CommandAck, error) {
	if err := cmd.ValidateFields().ToError(); err != nil {
		return nil, err
	}
	ack, err := h.mutate(ctx, cmd.ReservationID, meta, func(r *reservations.Reservation) error {
		return r.Borrow()
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("book borrowed", "reservationId", cmd.ReservationID)
	return ack, nil
}

// ReturnReservation closes the loan. A late return lands in Late and
// triggers the wallet settlement; the saga moves it on to Brought when the
// accumulated fee bought the book.
func (h *CommandHandler) ReturnReservation(ctx context.Context, cmd *reservations.ReturnReservationCommand, meta domain.CommandMetadata) (*eventsourcing.CommandAck, error) {
	if err := cmd.ValidateFields().ToError(); err != nil {
		return nil, err
	}
	var daysLate int
	ack, err := h.mutate(ctx, cmd.ReservationID, meta, func(r *reservations.Reservation) error {
		if err := r.Return(); err != nil {
			return err
		}
		daysLate = r.DaysLate
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("book returned", "reservationId", cmd.ReservationID, "daysLate", daysLate)
	return ack, nil
}

// CancelReservation terminates a pre-Reserved reservation on user request.
func (h *CommandHandler) CancelReservation(ctx context.Context, cmd *reservations.CancelReservationCommand, meta domain.CommandMetadata) (*eventsourcing.CommandAck, error) {
	if err := cmd.ValidateFields().ToError(); err != nil {
		return nil, err
	}
	ack, err := h.mutate(ctx, cmd.ReservationID, meta, func(r *reservations.Reservation) error {
		return r.Cancel(cmd.Reason)
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("reservation cancelled", "reservationId", cmd.ReservationID)
	return ack, nil
}

// DeleteReservation soft-deletes a reservation (administrative).
func (h *CommandHandler) DeleteReservation(ctx context.Context, cmd *reservations.DeleteReservationCommand, meta domain.CommandMetadata) (*eventsourcing.CommandAck, error) {
	if err := cmd.ValidateFields().ToError(); err != nil {
		return nil, err
	}
	ack, err := h.mutate(ctx, cmd.ReservationID, meta, func(r *reservations.Reservation) error {
		return r.Delete()
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("reservation deleted", "reservationId", cmd.ReservationID)
	return ack, nil
}

// mutate runs one domain mutation under the conflict retry loop: load,
// execute, append with expected version, publish.
func (h *CommandHandler) mutate(ctx context.Context, id string, meta domain.CommandMetadata, fn func(*reservations.Reservation) error) (*eventsourcing.CommandAck, error) {
	var ack *eventsourcing.CommandAck
	err := eventsourcing.RetryOnConflict(ctx, h.retry, func(ctx context.Context) error {
		reservation, err := h.repo.Load(ctx, id)
		if err != nil {
			return err
		}
		reservation.SetCorrelation(meta.CorrelationID, meta.CommandID)
		if err := fn(reservation); err != nil {
			return err
		}
		persisted, err := h.repo.Save(ctx, reservation)
		if err != nil {
			return err
		}
		h.publish(ctx, persisted)
		ack = &eventsourcing.CommandAck{AggregateID: reservation.ID(), Version: reservation.Version()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

func (h *CommandHandler) publish(ctx context.Context, events []*domain.Event) {
	if len(events) == 0 {
		return
	}
	if err := h.bus.Publish(ctx, events...); err != nil {
		h.logger.Error("failed to publish persisted events",
			"aggregateId", events[0].AggregateID, "count", len(events), "error", err)
	}
}
