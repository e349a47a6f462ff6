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
	"github.com/plaenen/libris/pkg/reservations/projections"
	"github.com/plaenen/libris/pkg/store"
)

// NewSagaProjection reacts to the cross-context answers that drive a
// reservation through its lifecycle: the book validation result, the wallet
// payment outcome and the late-fee settlement. Every reaction loads the
// aggregate fresh, so a redelivered answer finds the saga already advanced
// and is skipped.
func NewSagaProjection(events store.EventStore, views *projections.ReservationViews, bus messaging.EventBus, cfg config.Config, logger *slog.Logger) eventsourcing.Projection {
	retry := eventsourcing.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetryAttempts
	s := &saga{
		repo:       reservations.NewRepository(events),
		views:      views,
		bus:        bus,
		retry:      retry,
		fee:        cfg.ReservationFee,
		maxPerUser: cfg.MaxReservationsPerUser,
		logger:     logger.With("component", "reservation_saga"),
	}
	return eventsourcing.NewProjectionBuilder("reservation_saga").
		On(eventsourcing.On(libris.EventTypeBookValidationResult, s.onValidationResult)).
		On(eventsourcing.On(libris.EventTypeWalletPaymentSuccess, s.onPaymentSuccess)).
		On(eventsourcing.On(libris.EventTypeWalletPaymentDeclined, s.onPaymentDeclined)).
		On(eventsourcing.On(libris.EventTypeWalletLateFeeApplied, s.onLateFeeApplied)).
		Build()
}

type saga struct {
	repo       *store.BaseRepository[*reservations.Reservation]
	views      *projections.ReservationViews
	bus        messaging.EventBus
	retry      eventsourcing.RetryConfig
	fee        int64
	maxPerUser int
	logger     *slog.Logger
}

// onValidationResult settles the Validating state. A valid book still has
// to clear the per-user limit; past it the result is overridden to a
// rejection. The valid path appends ReservationRetailPriceSet and
// ReservationPendingPayment separately so the read model is consistent
// after every step.
func (s *saga) onValidationResult(ctx context.Context, p *libris.BookValidationResult, envelope *domain.EventEnvelope) error {
	return eventsourcing.RetryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		r, err := s.repo.Load(ctx, p.ReservationID)
		if err != nil {
			return err
		}
		if r.Deleted || r.Status != reservations.StatusValidating {
			s.skip(envelope, r)
			return nil
		}
		r.SetCorrelation(envelope.Metadata.CorrelationID, envelope.ID)

		isValid, reason := p.IsValid, p.Reason
		if isValid {
			active, err := s.views.CountActiveForUser(ctx, r.UserID)
			if err != nil {
				return err
			}
			if active >= int64(s.maxPerUser) {
				isValid = false
				reason = libris.ReasonBookLimitReached
			}
		}

		if !isValid {
			if err := r.Reject(reason); err != nil {
				return err
			}
			if err := s.saveAndPublish(ctx, r); err != nil {
				return err
			}
			s.logger.Info("reservation rejected",
				"reservationId", r.ID(), "userId", r.UserID, "reason", reason)
			return nil
		}

		// A redelivery after a partial run resumes past the price step:
		// the stream already carries ReservationRetailPriceSet at v2.
		if r.Version() == 1 {
			if err := r.SetRetailPrice(p.RetailPrice); err != nil {
				return err
			}
			if err := s.saveAndPublish(ctx, r); err != nil {
				return err
			}
		}
		if err := r.RequestPayment(s.fee); err != nil {
			return err
		}
		if err := s.saveAndPublish(ctx, r); err != nil {
			return err
		}
		s.logger.Info("reservation awaiting payment",
			"reservationId", r.ID(), "userId", r.UserID, "fee", s.fee)
		return nil
	})
}

// onPaymentSuccess confirms the reservation with the wallet's payment
// reference.
func (s *saga) onPaymentSuccess(ctx context.Context, p *libris.WalletPaymentSuccess, envelope *domain.EventEnvelope) error {
	return eventsourcing.RetryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		r, err := s.repo.Load(ctx, p.ReservationID)
		if err != nil {
			return err
		}
		if r.Deleted || r.Status != reservations.StatusPendingPayment {
			s.skip(envelope, r)
			return nil
		}
		r.SetCorrelation(envelope.Metadata.CorrelationID, envelope.ID)
		if err := r.Confirm(p.PaymentRef, libris.PaymentMethodWallet, p.Amount); err != nil {
			return err
		}
		if err := s.saveAndPublish(ctx, r); err != nil {
			return err
		}
		s.logger.Info("reservation confirmed",
			"reservationId", r.ID(), "paymentRef", p.PaymentRef, "amount", p.Amount)
		return nil
	})
}

// onPaymentDeclined rejects the reservation with the wallet's reason.
func (s *saga) onPaymentDeclined(ctx context.Context, p *libris.WalletPaymentDeclined, envelope *domain.EventEnvelope) error {
	return eventsourcing.RetryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		r, err := s.repo.Load(ctx, p.ReservationID)
		if err != nil {
			return err
		}
		if r.Deleted || r.Status != reservations.StatusPendingPayment {
			s.skip(envelope, r)
			return nil
		}
		r.SetCorrelation(envelope.Metadata.CorrelationID, envelope.ID)
		if err := r.Reject(p.Reason); err != nil {
			return err
		}
		if err := s.saveAndPublish(ctx, r); err != nil {
			return err
		}
		s.logger.Info("reservation rejected",
			"reservationId", r.ID(), "reason", p.Reason)
		return nil
	})
}

// onLateFeeApplied moves a Late reservation to Brought when the settled fee
// reached the book's price. A fee below the price leaves the reservation
// Late, which is terminal.
func (s *saga) onLateFeeApplied(ctx context.Context, p *libris.WalletLateFeeApplied, envelope *domain.EventEnvelope) error {
	if !p.BookPurchased {
		return nil
	}
	return eventsourcing.RetryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		r, err := s.repo.Load(ctx, p.ReservationID)
		if err != nil {
			return err
		}
		if r.Deleted || r.Status != reservations.StatusLate {
			s.skip(envelope, r)
			return nil
		}
		r.SetCorrelation(envelope.Metadata.CorrelationID, envelope.ID)
		if err := r.MarkBookBrought(); err != nil {
			return err
		}
		if err := s.saveAndPublish(ctx, r); err != nil {
			return err
		}
		s.logger.Info("late fee bought the book",
			"reservationId", r.ID(), "fee", p.Fee)
		return nil
	})
}

func (s *saga) saveAndPublish(ctx context.Context, r *reservations.Reservation) error {
	persisted, err := s.repo.Save(ctx, r)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, persisted...); err != nil {
		s.logger.Error("failed to publish saga events",
			"reservationId", r.ID(), "count", len(persisted), "error", err)
	}
	return nil
}

// skip logs a reaction that found the saga already past the expected state,
// which is the normal shape of a redelivery.
func (s *saga) skip(envelope *domain.EventEnvelope, r *reservations.Reservation) {
	s.logger.Info("saga reaction skipped",
		"reservationId", r.ID(),
		"eventType", envelope.EventType,
		"status", r.Status,
		"deleted", r.Deleted)
}
