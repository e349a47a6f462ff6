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

// NewProjection wires the book_views read model: schema migrations, event
// handlers and post-commit cache invalidation. The event store enables
// rebuilds and may be nil.
func NewProjection(ctx context.Context, db *sql.DB, views *BookViews, events store.EventStore, c cache.Cache, logger *slog.Logger) (eventsourcing.Projection, error) {
	h := &viewHandlers{views: views, logger: logger.With("projection", "book_views")}

	built, err := sqlite.NewProjectionBuilder("book_views", db).
		WithMigrations(migrationsFS, "migrations").
		WithEventStore(events).
		WithLogger(logger).
		On(eventsourcing.On(libris.EventTypeBookCreated, h.onCreated)).
		On(eventsourcing.On(libris.EventTypeBookUpdated, h.onUpdated)).
		On(eventsourcing.On(libris.EventTypeBookDeleted, h.onDeleted)).
		OnReset(func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "DELETE FROM book_views")
			return err
		}).
		Build(ctx)
	if err != nil {
		return nil, err
	}

	return eventsourcing.WrapPostHandle(built, func(ctx context.Context, envelope *domain.EventEnvelope) {
		c.DelPattern(ctx, CacheKeyBookPattern(envelope.AggregateID))
		c.DelPattern(ctx, CacheKeyCatalogAll)
	}), nil
}

type viewHandlers struct {
	views  *BookViews
	logger *slog.Logger
}

func (h *viewHandlers) onCreated(ctx context.Context, p *libris.BookCreated, envelope *domain.EventEnvelope) error {
	at := envelope.Timestamp.Unix()
	row := &BookView{
		ID:              envelope.AggregateID,
		ISBN:            p.ISBN,
		Title:           p.Title,
		Author:          p.Author,
		PublicationYear: p.PublicationYear,
		Publisher:       p.Publisher,
		Price:           p.Price,
		Version:         envelope.Version,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	if err := h.views.Save(ctx, row); err != nil {
		return err
	}
	return h.writeSearchText(ctx, envelope.AggregateID, p.Title, p.Author, p.ISBN)
}

func (h *viewHandlers) onUpdated(ctx context.Context, p *libris.BookUpdated, envelope *domain.EventEnvelope) error {
	patch := projection.Patch{FieldUpdatedAt: envelope.Timestamp.Unix()}
	if p.Title != nil {
		patch[FieldTitle] = *p.Title
	}
	if p.Author != nil {
		patch[FieldAuthor] = *p.Author
	}
	if p.PublicationYear != nil {
		patch[FieldPublicationYear] = *p.PublicationYear
	}
	if p.Publisher != nil {
		patch[FieldPublisher] = *p.Publisher
	}
	if p.Price != nil {
		patch[FieldPrice] = *p.Price
	}
	if err := h.views.UpdateVersioned(ctx, envelope.AggregateID, patch, envelope.Version); err != nil {
		return err
	}

	if p.Title == nil && p.Author == nil {
		return nil
	}
	// Recompute the search text from the row as it stands now; on a stale
	// redelivery that row is already newer than this event and stays correct.
	var title, author, isbn string
	err := h.conn(ctx).QueryRowContext(ctx,
		"SELECT title, author, isbn FROM book_views WHERE book_id = ?",
		envelope.AggregateID).Scan(&title, &author, &isbn)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return h.writeSearchText(ctx, envelope.AggregateID, title, author, isbn)
}

func (h *viewHandlers) onDeleted(ctx context.Context, _ *libris.BookDeleted, envelope *domain.EventEnvelope) error {
	return h.views.MarkDeleted(ctx, envelope.AggregateID, envelope.Version, envelope.Timestamp)
}

// writeSearchText maintains the folded haystack the catalog search matches
// against. search_text is internal and deliberately not a declared column.
func (h *viewHandlers) writeSearchText(ctx context.Context, id, title, author, isbn string) error {
	text := fold(title) + " " + fold(author) + " " + fold(isbn)
	if _, err := h.conn(ctx).ExecContext(ctx,
		"UPDATE book_views SET search_text = ? WHERE book_id = ?", text, id); err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

func (h *viewHandlers) conn(ctx context.Context) interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
} {
	if tx, ok := sqlite.TxFromContext(ctx); ok {
		return tx
	}
	return h.views.db
}
