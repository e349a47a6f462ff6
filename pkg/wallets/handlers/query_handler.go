package handlers

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/plaenen/libris/pkg/cache"
	"github.com/plaenen/libris/pkg/config"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/wallets"
	"github.com/plaenen/libris/pkg/wallets/projections"
)

// QueryHandler serves wallet reads with a cache-aside layer keyed on the
// wallet id. Owner-addressed reads resolve the id through the view first.
// Request logging happens in the server middleware.
type QueryHandler struct {
	views *projections.WalletViews
	cache cache.Cache
	cfg   config.Config
}

// NewQueryHandler wires the Wallet query side.
func NewQueryHandler(views *projections.WalletViews, c cache.Cache, cfg config.Config) *QueryHandler {
	return &QueryHandler{
		views: views,
		cache: c,
		cfg:   cfg,
	}
}

// GetWallet returns one wallet by id or owner, restricted to the requested
// fields.
func (h *QueryHandler) GetWallet(ctx context.Context, query *wallets.GetWalletQuery) (*wallets.WalletDTO, error) {
	id := query.WalletID
	if id == "" {
		if query.UserID == "" {
			return nil, eventsourcing.NewValidationError("EMPTY_WALLET_ID", "walletId or userId is required")
		}
		owned, err := h.views.FindByUser(ctx, query.UserID, projections.FieldID)
		if err != nil {
			return nil, err
		}
		id = owned.ID
	}

	fields := projections.ResolveFields(query.Fields)
	key := walletCacheKey(id, fields)
	if dto, ok := cache.GetJSON[*wallets.WalletDTO](ctx, h.cache, key); ok {
		return dto, nil
	}

	view, err := h.views.Get(ctx, id, fields...)
	if err != nil {
		return nil, err
	}
	dto := walletDTO(view, fields)
	cache.SetJSON(ctx, h.cache, key, dto, h.cfg.CacheDefaultTTL)
	return dto, nil
}

func walletCacheKey(id string, fields []string) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	return projections.CacheKeyWallet(id) + ":fields=" + strings.Join(sorted, ",")
}

func walletDTO(view *projections.WalletView, fields []string) *wallets.WalletDTO {
	selected := make(map[string]bool, len(fields))
	for _, f := range fields {
		selected[f] = true
	}
	dto := &wallets.WalletDTO{}
	if selected[projections.FieldID] {
		dto.ID = view.ID
	}
	if selected[projections.FieldUserID] {
		dto.UserID = view.UserID
	}
	if selected[projections.FieldBalance] {
		dto.Balance = config.FormatMinorUnits(view.Balance)
	}
	if selected[projections.FieldVersion] {
		dto.Version = view.Version
	}
	if selected[projections.FieldCreatedAt] {
		dto.CreatedAt = time.Unix(view.CreatedAt, 0).UTC().Format(time.RFC3339)
	}
	if selected[projections.FieldUpdatedAt] {
		dto.UpdatedAt = time.Unix(view.UpdatedAt, 0).UTC().Format(time.RFC3339)
	}
	return dto
}
