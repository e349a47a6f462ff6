package projections

import (
	"context"
	"database/sql"
	"embed"
	"log/slog"

	"github.com/plaenen/libris/pkg/cache"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/projection"
	"github.com/plaenen/libris/pkg/sqlite"
	"github.com/plaenen/libris/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewProjection wires the wallet_views read model: schema migrations, event
// handlers and post-commit cache invalidation. The event store enables
// rebuilds and may be nil.
func NewProjection(ctx context.Context, db *sql.DB, views *WalletViews, events store.EventStore, c cache.Cache, logger *slog.Logger) (eventsourcing.Projection, error) {
	h := &viewHandlers{views: views, logger: logger.With("projection", "wallet_views")}

	built, err := sqlite.NewProjectionBuilder("wallet_views", db).
		WithMigrations(migrationsFS, "migrations").
		WithEventStore(events).
		WithLogger(logger).
		On(eventsourcing.On(libris.EventTypeWalletCreated, h.onCreated)).
		On(eventsourcing.On(libris.EventTypeWalletBalanceUpdated, h.onBalanceUpdated)).
		On(eventsourcing.On(libris.EventTypeWalletLateFeeApplied, h.onLateFeeApplied)).
		OnReset(func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "DELETE FROM wallet_views")
			return err
		}).
		Build(ctx)
	if err != nil {
		return nil, err
	}

	return eventsourcing.WrapPostHandle(built, func(ctx context.Context, envelope *domain.EventEnvelope) {
		c.DelPattern(ctx, CacheKeyWalletPattern(envelope.AggregateID))
	}), nil
}

type viewHandlers struct {
	views  *WalletViews
	logger *slog.Logger
}

func (h *viewHandlers) onCreated(ctx context.Context, p *libris.WalletCreated, envelope *domain.EventEnvelope) error {
	at := envelope.Timestamp.Unix()
	return h.views.Save(ctx, &WalletView{
		ID:        envelope.AggregateID,
		UserID:    p.UserID,
		Balance:   p.Balance,
		Version:   envelope.Version,
		CreatedAt: at,
		UpdatedAt: at,
	})
}

func (h *viewHandlers) onBalanceUpdated(ctx context.Context, p *libris.WalletBalanceUpdated, envelope *domain.EventEnvelope) error {
	return h.applyBalance(ctx, envelope, p.Balance)
}

func (h *viewHandlers) onLateFeeApplied(ctx context.Context, p *libris.WalletLateFeeApplied, envelope *domain.EventEnvelope) error {
	return h.applyBalance(ctx, envelope, p.Balance)
}

// applyBalance writes the event's resulting balance. Balance events carry
// the absolute outcome, so a stale redelivery is simply skipped by the
// version guard.
func (h *viewHandlers) applyBalance(ctx context.Context, envelope *domain.EventEnvelope, balance int64) error {
	return h.views.UpdateVersioned(ctx, envelope.AggregateID, projection.Patch{
		FieldBalance:   balance,
		FieldUpdatedAt: envelope.Timestamp.Unix(),
	}, envelope.Version)
}
