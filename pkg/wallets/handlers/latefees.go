package handlers

import (
	"context"
	"log/slog"

	"github.com/plaenen/libris/pkg/config"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/messaging"
	"github.com/plaenen/libris/pkg/store"
	"github.com/plaenen/libris/pkg/wallets"
)

// NewLateFeesProjection reacts to late ReservationReturned events by
// settling the fee against the user's wallet. The appended
// WalletLateFeeApplied flows back over the bus; the reservation saga watches
// it for the book-purchased outcome. On-time returns are ignored here.
func NewLateFeesProjection(events store.EventStore, bus messaging.EventBus, cfg config.Config, logger *slog.Logger) eventsourcing.Projection {
	retry := eventsourcing.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetryAttempts
	r := &lateFeesReactor{
		repo:      wallets.NewRepository(events),
		events:    events,
		bus:       bus,
		retry:     retry,
		feePerDay: cfg.LateFeePerDay,
		logger:    logger.With("component", "wallet_latefees"),
	}
	return eventsourcing.NewProjectionBuilder("wallet_latefees").
		On(eventsourcing.On(libris.EventTypeReservationReturned, r.onReturned)).
		Build()
}

type lateFeesReactor struct {
	repo      *store.BaseRepository[*wallets.Wallet]
	events    store.EventStore
	bus       messaging.EventBus
	retry     eventsourcing.RetryConfig
	feePerDay int64
	logger    *slog.Logger
}

func (r *lateFeesReactor) onReturned(ctx context.Context, p *libris.ReservationReturned, envelope *domain.EventEnvelope) error {
	if p.DaysLate <= 0 {
		return nil
	}
	reservationID := envelope.AggregateID

	streamID, err := r.events.FindLatestByPredicate(ctx, libris.EventTypeWalletCreated, "userId", p.UserID)
	if err != nil {
		return err
	}
	if streamID == "" {
		// Nothing to settle against. The reservation stays Late; an audit
		// of the stream still shows what was owed.
		r.logger.Warn("late return without a wallet",
			"reservationId", reservationID, "userId", p.UserID, "daysLate", p.DaysLate)
		return nil
	}

	return eventsourcing.RetryOnConflict(ctx, r.retry, func(ctx context.Context) error {
		wallet, err := r.repo.Load(ctx, streamID)
		if err != nil {
			return err
		}
		if wallet.HasLateFee(reservationID) {
			return nil
		}

		wallet.SetCorrelation(envelope.Metadata.CorrelationID, envelope.ID)
		if err := wallet.ApplyLateFee(reservationID, p.DaysLate, p.RetailPrice, r.feePerDay); err != nil {
			return err
		}
		persisted, err := r.repo.Save(ctx, wallet)
		if err != nil {
			return err
		}
		if err := r.bus.Publish(ctx, persisted...); err != nil {
			r.logger.Error("failed to publish late fee",
				"walletId", wallet.ID(), "error", err)
		}

		r.logger.Info("late fee settled",
			"reservationId", reservationID,
			"walletId", wallet.ID(),
			"daysLate", p.DaysLate,
			"balance", wallet.Balance)
		return nil
	})
}
