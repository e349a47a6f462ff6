// Package books holds the Book write model: the aggregate, its commands and
// queries, and the event appliers used for rehydration.
package books

import (
	"fmt"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
)

// Book is the catalog aggregate. Price is in minor units; ISBN is immutable
// after creation. A deleted book keeps its stream but accepts no further
// commands.
type Book struct {
	domain.AggregateRoot

	ISBN            string
	Title           string
	Author          string
	PublicationYear int
	Publisher       string
	Price           int64
	Deleted         bool
}

// New returns an empty Book ready for rehydration or creation.
func New(id string) *Book {
	return &Book{AggregateRoot: domain.NewAggregateRoot(id, libris.AggregateTypeBook)}
}

// BookPatch is the sparse update applied by Update. Nil fields are left
// untouched.
type BookPatch struct {
	Title           *string
	Author          *string
	PublicationYear *int
	Publisher       *string
	Price           *int64
}

func (p BookPatch) empty() bool {
	return p.Title == nil && p.Author == nil && p.PublicationYear == nil &&
		p.Publisher == nil && p.Price == nil
}

// Create emits the aggregate's first event. It is only valid on a fresh
// aggregate.
func (b *Book) Create(isbn, title, author string, publicationYear int, publisher string, price int64) error {
	if b.Version() != 0 {
		return eventsourcing.NewConflictError("BOOK_ALREADY_EXISTS",
			fmt.Sprintf("book %s already exists at version %d", b.ID(), b.Version()))
	}
	if isbn == "" {
		return eventsourcing.NewValidationError("EMPTY_ISBN", "isbn must not be empty")
	}
	if title == "" {
		return eventsourcing.NewValidationError("EMPTY_TITLE", "title must not be empty")
	}
	if author == "" {
		return eventsourcing.NewValidationError("EMPTY_AUTHOR", "author must not be empty")
	}
	if price < 0 {
		return eventsourcing.NewValidationError("NEGATIVE_PRICE", "price must not be negative")
	}
	return b.emit(libris.EventTypeBookCreated, &libris.BookCreated{
		ISBN:            isbn,
		Title:           title,
		Author:          author,
		PublicationYear: publicationYear,
		Publisher:       publisher,
		Price:           price,
	})
}

// Update emits a BookUpdated carrying only the changed fields. A patch that
// changes nothing fails with ErrNoChanges so callers do not append empty
// events.
func (b *Book) Update(patch BookPatch) error {
	if err := b.mutable(); err != nil {
		return err
	}
	if patch.empty() {
		return eventsourcing.ErrNoChanges
	}
	if patch.Price != nil && *patch.Price < 0 {
		return eventsourcing.NewValidationError("NEGATIVE_PRICE", "price must not be negative")
	}

	changed := libris.BookUpdated{}
	if patch.Title != nil && *patch.Title != b.Title {
		changed.Title = patch.Title
	}
	if patch.Author != nil && *patch.Author != b.Author {
		changed.Author = patch.Author
	}
	if patch.PublicationYear != nil && *patch.PublicationYear != b.PublicationYear {
		changed.PublicationYear = patch.PublicationYear
	}
	if patch.Publisher != nil && *patch.Publisher != b.Publisher {
		changed.Publisher = patch.Publisher
	}
	if patch.Price != nil && *patch.Price != b.Price {
		changed.Price = patch.Price
	}
	if changed == (libris.BookUpdated{}) {
		return eventsourcing.ErrNoChanges
	}
	return b.emit(libris.EventTypeBookUpdated, &changed)
}

// Delete soft-deletes the book. Deleting twice fails with ErrAlreadyDeleted.
func (b *Book) Delete() error {
	if err := b.mutable(); err != nil {
		return err
	}
	return b.emit(libris.EventTypeBookDeleted, &libris.BookDeleted{})
}

func (b *Book) mutable() error {
	if b.Version() == 0 {
		return eventsourcing.NewNotFoundError("AGGREGATE_NOT_FOUND",
			fmt.Sprintf("book %s does not exist", b.ID()))
	}
	if b.Deleted {
		return eventsourcing.ErrAlreadyDeleted
	}
	return nil
}

// emit buffers the event and folds it into the in-memory state, keeping the
// aggregate consistent with what a rehydration of its stream would produce.
func (b *Book) emit(eventType string, payload any) error {
	if err := b.ApplyChange(eventType, payload); err != nil {
		return err
	}
	b.apply(payload)
	return nil
}

// apply is the single state-transition function shared by emit and the
// repository applier. It must stay free of validation: history is already
// validated.
func (b *Book) apply(payload any) {
	switch p := payload.(type) {
	case *libris.BookCreated:
		b.ISBN = p.ISBN
		b.Title = p.Title
		b.Author = p.Author
		b.PublicationYear = p.PublicationYear
		b.Publisher = p.Publisher
		b.Price = p.Price
	case *libris.BookUpdated:
		if p.Title != nil {
			b.Title = *p.Title
		}
		if p.Author != nil {
			b.Author = *p.Author
		}
		if p.PublicationYear != nil {
			b.PublicationYear = *p.PublicationYear
		}
		if p.Publisher != nil {
			b.Publisher = *p.Publisher
		}
		if p.Price != nil {
			b.Price = *p.Price
		}
	case *libris.BookDeleted:
		b.Deleted = true
	}
}
