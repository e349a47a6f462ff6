// Package handlers exposes the Wallets context behavior: command and query
// handlers for the balance surface plus the saga reactors that settle
// reservation fees and late returns.
package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plaenen/libris/pkg/config"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/messaging"
	"github.com/plaenen/libris/pkg/store"
	"github.com/plaenen/libris/pkg/wallets"
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

// CommandHandler executes wallet mutations against the write model.
type CommandHandler struct {
	repo   *store.BaseRepository[*wallets.Wallet]
	events store.EventStore
	bus    messaging.EventBus
	retry  eventsourcing.RetryConfig
	logger *slog.Logger
}

// NewCommandHandler wires the Wallet command side.
func NewCommandHandler(events store.EventStore, bus messaging.EventBus, cfg config.Config, opts ...Option) *CommandHandler {
	o := buildOptions(opts)
	retry := eventsourcing.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetryAttempts
	return &CommandHandler{
		repo:   wallets.NewRepository(events),
		events: events,
		bus:    bus,
		retry:  retry,
		logger: o.logger.With("component", "wallet_commands"),
	}
}

// Register binds the handler's commands on the command bus.
func (h *CommandHandler) Register(bus eventsourcing.CommandBus) {
	bus.Register(wallets.CommandTypeCreateWallet, eventsourcing.Typed(h.CreateWallet))
	bus.Register(wallets.CommandTypeUpdateWalletBalance, eventsourcing.Typed(h.UpdateWalletBalance))
}

// CreateWallet opens a wallet. One wallet per user; the event stream is
// authoritative for that check so a wallet opened mid-saga is seen here
// before any projection catches up.
func (h *CommandHandler) CreateWallet(ctx context.Context, cmd *wallets.CreateWalletCommand, meta domain.CommandMetadata) (*eventsourcing.CommandAck, error) {
	if err := cmd.ValidateFields().ToError(); err != nil {
		return nil, err
	}
	var balance int64
	if cmd.Balance != "" {
		var err error
		if balance, err = config.MinorUnits(cmd.Balance); err != nil {
			return nil, eventsourcing.NewValidationError("INVALID_BALANCE", err.Error())
		}
	}

	existing, err := h.events.FindLatestByPredicate(ctx, libris.EventTypeWalletCreated, "userId", cmd.UserID)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		return nil, eventsourcing.NewConflictError("WALLET_ALREADY_EXISTS",
			fmt.Sprintf("user %s already owns wallet %s", cmd.UserID, existing))
	}

	wallet := wallets.New(domain.NewAggregateID())
	wallet.SetCorrelation(meta.CorrelationID, meta.CommandID)
	if err := wallet.Create(cmd.UserID, balance); err != nil {
		return nil, err
	}

	persisted, err := h.repo.Save(ctx, wallet)
	if err != nil {
		return nil, err
	}
	h.publish(ctx, persisted)

	h.logger.Info("wallet created", "walletId", wallet.ID(), "userId", cmd.UserID, "balance", balance)
	return &eventsourcing.CommandAck{AggregateID: wallet.ID(), Version: wallet.Version()}, nil
}

// UpdateWalletBalance applies a signed adjustment, addressed by wallet id or
// owner.
func (h *CommandHandler) UpdateWalletBalance(ctx context.Context, cmd *wallets.UpdateWalletBalanceCommand, meta domain.CommandMetadata) (*eventsourcing.CommandAck, error) {
	if err := cmd.ValidateFields().ToError(); err != nil {
		return nil, err
	}
	delta, err := config.MinorUnits(cmd.Amount)
	if err != nil {
		return nil, eventsourcing.NewValidationError("INVALID_AMOUNT", err.Error())
	}

	id, err := h.resolveWalletID(ctx, cmd.WalletID, cmd.UserID)
	if err != nil {
		return nil, err
	}

	var ack *eventsourcing.CommandAck
	err = eventsourcing.RetryOnConflict(ctx, h.retry, func(ctx context.Context) error {
		wallet, err := h.repo.Load(ctx, id)
		if err != nil {
			return err
		}
		wallet.SetCorrelation(meta.CorrelationID, meta.CommandID)
		if err := wallet.Adjust(delta); err != nil {
			return err
		}
		persisted, err := h.repo.Save(ctx, wallet)
		if err != nil {
			return err
		}
		h.publish(ctx, persisted)
		ack = &eventsourcing.CommandAck{AggregateID: wallet.ID(), Version: wallet.Version()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("wallet balance adjusted", "walletId", id, "delta", delta)
	return ack, nil
}

func (h *CommandHandler) resolveWalletID(ctx context.Context, id, userID string) (string, error) {
	if id != "" {
		return id, nil
	}
	resolved, err := h.events.FindLatestByPredicate(ctx, libris.EventTypeWalletCreated, "userId", userID)
	if err != nil {
		return "", err
	}
	if resolved == "" {
		return "", eventsourcing.NewNotFoundError("WALLET_NOT_FOUND",
			fmt.Sprintf("no wallet for user %s", userID))
	}
	return resolved, nil
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
