// Package handlers exposes the Books context behavior: command handlers for
// catalog mutations, query handlers for reads, and the validation responder
// the reservation saga relies on.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/libris/pkg/books"
	"github.com/plaenen/libris/pkg/books/projections"
	"github.com/plaenen/libris/pkg/config"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/messaging"
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

// CommandHandler executes catalog mutations against the Book write model.
type CommandHandler struct {
	repo   *store.BaseRepository[*books.Book]
	events store.EventStore
	views  *projections.BookViews
	bus    messaging.EventBus
	retry  eventsourcing.RetryConfig
	logger *slog.Logger
}

// NewCommandHandler wires the Book command side. The read model backs the
// duplicate-ISBN check; the bus receives persisted events after each append.
func NewCommandHandler(events store.EventStore, views *projections.BookViews, bus messaging.EventBus, cfg config.Config, opts ...Option) *CommandHandler {
	o := buildOptions(opts)
	retry := eventsourcing.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetryAttempts
	return &CommandHandler{
		repo:   books.NewRepository(events),
		events: events,
		views:  views,
		bus:    bus,
		retry:  retry,
		logger: o.logger.With("component", "book_commands"),
	}
}

// Register binds the handler's commands on the command bus.
func (h *CommandHandler) Register(bus eventsourcing.CommandBus) {
	bus.Register(books.CommandTypeCreateBook, eventsourcing.Typed(h.CreateBook))
	bus.Register(books.CommandTypeUpdateBook, eventsourcing.Typed(h.UpdateBook))
	bus.Register(books.CommandTypeDeleteBook, eventsourcing.Typed(h.DeleteBook))
}

// CreateBook registers a new book. The ISBN must not belong to a live book;
// the read model is authoritative for that check.
func (h *CommandHandler) CreateBook(ctx context.Context, cmd *books.CreateBookCommand, meta domain.CommandMetadata) (*eventsourcing.CommandAck, error) {
	if err := cmd.ValidateFields().ToError(); err != nil {
		return nil, err
	}
	price, err := config.MinorUnits(cmd.Price)
	if err != nil {
		return nil, eventsourcing.NewValidationError("INVALID_PRICE", err.Error())
	}

	if existing, err := h.views.FindByISBN(ctx, cmd.ISBN); err == nil {
		return nil, eventsourcing.NewConflictError("BOOK_ALREADY_EXISTS",
			fmt.Sprintf("ISBN %s already belongs to book %s", cmd.ISBN, existing.ID))
	} else if !errors.Is(err, eventsourcing.ErrNotFound) {
		return nil, err
	}

	book := books.New(domain.NewAggregateID())
	book.SetCorrelation(meta.CorrelationID, meta.CommandID)
	if err := book.Create(cmd.ISBN, cmd.Title, cmd.Author, cmd.PublicationYear, cmd.Publisher, price); err != nil {
		return nil, err
	}

	persisted, err := h.repo.Save(ctx, book)
	if err != nil {
		return nil, err
	}
	h.publish(ctx, persisted)

	h.logger.Info("book created", "bookId", book.ID(), "isbn", cmd.ISBN)
	return &eventsourcing.CommandAck{AggregateID: book.ID(), Version: book.Version()}, nil
}

// UpdateBook applies a sparse patch. The book is addressed by id or, when
// the id is unknown, by ISBN.
func (h *CommandHandler) UpdateBook(ctx context.Context, cmd *books.UpdateBookCommand, meta domain.CommandMetadata) (*eventsourcing.CommandAck, error) {
	if err := cmd.ValidateFields().ToError(); err != nil {
		return nil, err
	}

	patch := books.BookPatch{
		Title:           cmd.Title,
		Author:          cmd.Author,
		PublicationYear: cmd.PublicationYear,
		Publisher:       cmd.Publisher,
	}
	if cmd.Price != nil {
		price, err := config.MinorUnits(*cmd.Price)
		if err != nil {
			return nil, eventsourcing.NewValidationError("INVALID_PRICE", err.Error())
		}
		patch.Price = &price
	}

	id, err := h.resolveBookID(ctx, cmd.BookID, cmd.ISBN)
	if err != nil {
		return nil, err
	}

	var ack *eventsourcing.CommandAck
	err = eventsourcing.RetryOnConflict(ctx, h.retry, func(ctx context.Context) error {
		book, err := h.repo.Load(ctx, id)
		if err != nil {
			return err
		}
		book.SetCorrelation(meta.CorrelationID, meta.CommandID)
		if err := book.Update(patch); err != nil {
			return err
		}
		persisted, err := h.repo.Save(ctx, book)
		if err != nil {
			return err
		}
		h.publish(ctx, persisted)
		ack = &eventsourcing.CommandAck{AggregateID: book.ID(), Version: book.Version()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("book updated", "bookId", id, "version", ack.Version)
	return ack, nil
}

// DeleteBook soft-deletes a book, addressed by id or ISBN.
func (h *CommandHandler) DeleteBook(ctx context.Context, cmd *books.DeleteBookCommand, meta domain.CommandMetadata) (*eventsourcing.CommandAck, error) {
	if err := cmd.ValidateFields().ToError(); err != nil {
		return nil, err
	}

	id, err := h.resolveBookID(ctx, cmd.BookID, cmd.ISBN)
	if err != nil {
		return nil, err
	}

	var ack *eventsourcing.CommandAck
	err = eventsourcing.RetryOnConflict(ctx, h.retry, func(ctx context.Context) error {
		book, err := h.repo.Load(ctx, id)
		if err != nil {
			return err
		}
		book.SetCorrelation(meta.CorrelationID, meta.CommandID)
		if err := book.Delete(); err != nil {
			return err
		}
		persisted, err := h.repo.Save(ctx, book)
		if err != nil {
			return err
		}
		h.publish(ctx, persisted)
		ack = &eventsourcing.CommandAck{AggregateID: book.ID(), Version: book.Version()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("book deleted", "bookId", id)
	return ack, nil
}

// resolveBookID maps an ISBN to its aggregate id through the event store's
// payload index when the caller does not know the id. The lookup honors the
// stream lifecycle, a deleted book no longer claims its ISBN.
func (h *CommandHandler) resolveBookID(ctx context.Context, id, isbn string) (string, error) {
	if id != "" {
		return id, nil
	}
	resolved, err := h.events.FindLatestByPredicate(ctx, libris.EventTypeBookCreated, "isbn", isbn)
	if err != nil {
		return "", err
	}
	if resolved == "" {
		return "", eventsourcing.NewNotFoundError("BOOK_NOT_FOUND",
			fmt.Sprintf("no book with ISBN %s", isbn))
	}
	return resolved, nil
}

// publish hands persisted events to the bus. The append is the commit;
// delivery failures are logged, sagas and projections hold their own
// recovery paths (redelivery, rebuild).
func (h *CommandHandler) publish(ctx context.Context, events []*domain.Event) {
	if len(events) == 0 {
		return
	}
	if err := h.bus.Publish(ctx, events...); err != nil {
		h.logger.Error("failed to publish persisted events",
			"aggregateId", events[0].AggregateID, "count", len(events), "error", err)
	}
}
