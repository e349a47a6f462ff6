// Package projections maintains the wallet_views read model.
package projections

import (
	"context"
	"database/sql"

	"github.com/plaenen/libris/pkg/projection"
)

// Queryable field names for the wallet view, shared between the projection,
// the query handlers and API field selections.
const (
	FieldID        = "id"
	FieldUserID    = "userId"
	FieldBalance   = "balance"
	FieldVersion   = "version"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// CacheKeyWallet is the cache key for a single wallet read.
func CacheKeyWallet(id string) string {
	return "wallet:get:" + id
}

// CacheKeyWalletPattern matches every cached read of one wallet, field
// selections included.
func CacheKeyWalletPattern(id string) string {
	return "wallet:get:" + id + "*"
}

// WalletView is one row of wallet_views. Balance is in minor units;
// timestamps are Unix seconds.
type WalletView struct {
	ID        string
	UserID    string
	Balance   int64
	Version   int64
	CreatedAt int64
	UpdatedAt int64
}

func (v *WalletView) Pointers(fields []string) []any {
	out := make([]any, len(fields))
	for i, field := range fields {
		switch field {
		case FieldID:
			out[i] = &v.ID
		case FieldUserID:
			out[i] = &v.UserID
		case FieldBalance:
			out[i] = &v.Balance
		case FieldVersion:
			out[i] = &v.Version
		case FieldCreatedAt:
			out[i] = &v.CreatedAt
		case FieldUpdatedAt:
			out[i] = &v.UpdatedAt
		}
	}
	return out
}

var walletColumns = []projection.Column{
	{Field: FieldID, Name: "wallet_id"},
	{Field: FieldUserID, Name: "user_id"},
	{Field: FieldBalance, Name: "balance"},
	{Field: FieldVersion, Name: "version"},
	{Field: FieldCreatedAt, Name: "created_at"},
	{Field: FieldUpdatedAt, Name: "updated_at"},
}

func walletTable() projection.Table {
	return projection.Table{
		Name:        "wallet_views",
		Key:         "wallet_id",
		Version:     "version",
		DefaultSort: FieldCreatedAt,
		Columns:     walletColumns,
	}
}

// ResolveFields intersects a requested field selection with the view's
// fields, dropping unknown names. An empty or fully unknown selection means
// all fields.
func ResolveFields(requested []string) []string {
	if len(requested) == 0 {
		return allFields()
	}
	known := make(map[string]bool, len(walletColumns))
	for _, col := range walletColumns {
		known[col.Field] = true
	}
	out := make([]string, 0, len(requested))
	for _, field := range requested {
		if known[field] {
			out = append(out, field)
		}
	}
	if len(out) == 0 {
		return allFields()
	}
	return out
}

func allFields() []string {
	out := make([]string, len(walletColumns))
	for i, col := range walletColumns {
		out[i] = col.Field
	}
	return out
}

// WalletViews is the read-model repository over wallet_views.
type WalletViews struct {
	*projection.Repository[*WalletView]
}

// NewWalletViews builds the repository. Schema setup belongs to the
// projection's migrations.
func NewWalletViews(db *sql.DB, opts ...projection.RepositoryOption) (*WalletViews, error) {
	repo, err := projection.NewRepository(db, walletTable(), func() *WalletView { return &WalletView{} }, opts...)
	if err != nil {
		return nil, err
	}
	return &WalletViews{Repository: repo}, nil
}

// Get returns one wallet by id, restricted to fields when given.
func (v *WalletViews) Get(ctx context.Context, id string, fields ...string) (*WalletView, error) {
	return v.FindOne(ctx, projection.Filter{FieldID: id}, fields...)
}

// FindByUser returns the wallet owned by a user.
func (v *WalletViews) FindByUser(ctx context.Context, userID string, fields ...string) (*WalletView, error) {
	return v.FindOne(ctx, projection.Filter{FieldUserID: userID}, fields...)
}
