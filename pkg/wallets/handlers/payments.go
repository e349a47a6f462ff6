package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/plaenen/libris/pkg/config"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/messaging"
	"github.com/plaenen/libris/pkg/store"
	"github.com/plaenen/libris/pkg/wallets"
)

// NewPaymentsProjection reacts to ReservationPendingPayment by debiting the
// user's wallet. A successful debit is appended to the wallet stream and
// announced with a transient WalletPaymentSuccess; a failure is announced
// with a transient WalletPaymentDeclined and leaves the stream untouched.
//
// Redeliveries are settled from the wallet's payment record: the original
// outcome is re-announced instead of charging again.
func NewPaymentsProjection(events store.EventStore, bus messaging.EventBus, cfg config.Config, logger *slog.Logger) eventsourcing.Projection {
	retry := eventsourcing.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetryAttempts
	r := &paymentsReactor{
		repo:   wallets.NewRepository(events),
		events: events,
		bus:    bus,
		retry:  retry,
		logger: logger.With("component", "wallet_payments"),
	}
	return eventsourcing.NewProjectionBuilder("wallet_payments").
		On(eventsourcing.On(libris.EventTypeReservationPendingPayment, r.onPendingPayment)).
		Build()
}

type paymentsReactor struct {
	repo   *store.BaseRepository[*wallets.Wallet]
	events store.EventStore
	bus    messaging.EventBus
	retry  eventsourcing.RetryConfig
	logger *slog.Logger
}

func (r *paymentsReactor) onPendingPayment(ctx context.Context, p *libris.ReservationPendingPayment, envelope *domain.EventEnvelope) error {
	reservationID := envelope.AggregateID

	streamID, err := r.events.FindLatestByPredicate(ctx, libris.EventTypeWalletCreated, "userId", p.UserID)
	if err != nil {
		return err
	}
	if streamID == "" {
		return r.decline(ctx, envelope, p.UserID, libris.ReasonWalletNotFound)
	}

	return eventsourcing.RetryOnConflict(ctx, r.retry, func(ctx context.Context) error {
		wallet, err := r.repo.Load(ctx, streamID)
		if err != nil {
			return err
		}
		if payment, taken := wallet.PaymentFor(reservationID); taken {
			r.logger.Info("payment already taken, re-announcing",
				"reservationId", reservationID, "paymentRef", payment.Ref)
			return r.succeed(ctx, envelope, p.UserID, payment.Ref, payment.Amount)
		}

		wallet.SetCorrelation(envelope.Metadata.CorrelationID, envelope.ID)
		if err := wallet.Debit(reservationID, p.Amount); err != nil {
			var domainErr *eventsourcing.DomainError
			if errors.As(err, &domainErr) && domainErr.Code == "INSUFFICIENT_FUNDS" {
				return r.decline(ctx, envelope, p.UserID, libris.ReasonInsufficientFunds)
			}
			return err
		}

		persisted, err := r.repo.Save(ctx, wallet)
		if err != nil {
			return err
		}
		if err := r.bus.Publish(ctx, persisted...); err != nil {
			r.logger.Error("failed to publish wallet debit",
				"walletId", wallet.ID(), "error", err)
		}

		payment, _ := wallet.PaymentFor(reservationID)
		return r.succeed(ctx, envelope, p.UserID, payment.Ref, payment.Amount)
	})
}

func (r *paymentsReactor) succeed(ctx context.Context, envelope *domain.EventEnvelope, userID, paymentRef string, amount int64) error {
	evt, err := domain.NewTransientEvent(libris.EventTypeWalletPaymentSuccess,
		libris.AggregateTypeReservation, envelope.AggregateID,
		&libris.WalletPaymentSuccess{
			ReservationID: envelope.AggregateID,
			UserID:        userID,
			PaymentRef:    paymentRef,
			Amount:        amount,
		}, domain.EventMetadata{
			CorrelationID: envelope.Metadata.CorrelationID,
			CausationID:   envelope.ID,
		})
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, evt); err != nil {
		return err
	}
	r.logger.Info("reservation fee taken",
		"reservationId", envelope.AggregateID, "userId", userID, "amount", amount)
	return nil
}

func (r *paymentsReactor) decline(ctx context.Context, envelope *domain.EventEnvelope, userID, reason string) error {
	evt, err := domain.NewTransientEvent(libris.EventTypeWalletPaymentDeclined,
		libris.AggregateTypeReservation, envelope.AggregateID,
		&libris.WalletPaymentDeclined{
			ReservationID: envelope.AggregateID,
			UserID:        userID,
			Reason:        reason,
		}, domain.EventMetadata{
			CorrelationID: envelope.Metadata.CorrelationID,
			CausationID:   envelope.ID,
		})
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, evt); err != nil {
		return err
	}
	r.logger.Info("reservation fee declined",
		"reservationId", envelope.AggregateID, "userId", userID, "reason", reason)
	return nil
}
