package books

import (
	"github.com/plaenen/libris/pkg/projection"
	"github.com/plaenen/libris/pkg/validators"
)

// Command types routed over the command bus.
const (
	CommandTypeCreateBook = "CreateBook"
	CommandTypeUpdateBook = "UpdateBook"
	CommandTypeDeleteBook = "DeleteBook"
)

// CreateBookCommand adds a book to the catalog. Price is a decimal string
// ("29.99") converted to minor units at this boundary.
type CreateBookCommand struct {
	ISBN            string `json:"isbn"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	PublicationYear int    `json:"publicationYear"`
	Publisher       string `json:"publisher,omitempty"`
	Price           string `json:"price"`
}

func (c *CreateBookCommand) ValidateFields() validators.FieldValidationResults {
	return validators.NewValidationBuilder().
		Add(validators.ValidateISBN("isbn", c.ISBN)).
		Add(validators.ValidateStringEmpty(c.Title, "title")).
		Add(validators.ValidateStringLength(c.Title, "title", 1, 512)).
		Add(validators.ValidateStringEmpty(c.Author, "author")).
		Add(validators.ValidateAmount("price", c.Price)).
		Build()
}

// UpdateBookCommand patches a book. Only non-nil fields are applied; ISBN is
// immutable and cannot be patched.
type UpdateBookCommand struct {
	BookID          string  `json:"bookId"`
	ISBN            string  `json:"isbn,omitempty"`
	Title           *string `json:"title,omitempty"`
	Author          *string `json:"author,omitempty"`
	PublicationYear *int    `json:"publicationYear,omitempty"`
	Publisher       *string `json:"publisher,omitempty"`
	Price           *string `json:"price,omitempty"`
}

func (c *UpdateBookCommand) ValidateFields() validators.FieldValidationResults {
	b := validators.NewValidationBuilder()
	if c.BookID == "" {
		b.Add(validators.ValidateISBN("isbn", c.ISBN),
			validators.WithSuggestedAction("Provide either the book id or its ISBN."))
	} else {
		b.Add(validators.ValidateUUID("bookId", c.BookID))
	}
	if c.Title != nil {
		b.Add(validators.ValidateStringEmpty(*c.Title, "title"))
	}
	if c.Author != nil {
		b.Add(validators.ValidateStringEmpty(*c.Author, "author"))
	}
	if c.Price != nil {
		b.Add(validators.ValidateAmount("price", *c.Price))
	}
	return b.Build()
}

// DeleteBookCommand soft-deletes a book. The book keeps serving existing
// reservations; it just stops being reservable.
type DeleteBookCommand struct {
	BookID string `json:"bookId"`
	ISBN   string `json:"isbn,omitempty"`
}

func (c *DeleteBookCommand) ValidateFields() validators.FieldValidationResults {
	b := validators.NewValidationBuilder()
	if c.BookID == "" {
		b.Add(validators.ValidateISBN("isbn", c.ISBN),
			validators.WithSuggestedAction("Provide either the book id or its ISBN."))
	} else {
		b.Add(validators.ValidateUUID("bookId", c.BookID))
	}
	return b.Build()
}

// GetBookQuery fetches a single book view. An empty Fields selects every
// field; unknown names are ignored.
type GetBookQuery struct {
	BookID string   `json:"bookId"`
	Fields []string `json:"fields,omitempty"`
}

// SearchCatalogQuery pages through the catalog. Q is matched case-folded
// against title, author and ISBN; the equality filters narrow further.
type SearchCatalogQuery struct {
	Q               string   `json:"q,omitempty"`
	Author          string   `json:"author,omitempty"`
	Publisher       string   `json:"publisher,omitempty"`
	PublicationYear int      `json:"publicationYear,omitempty"`
	Page            int      `json:"page,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	SortBy          string   `json:"sortBy,omitempty"`
	SortOrder       string   `json:"sortOrder,omitempty"`
	Fields          []string `json:"fields,omitempty"`
}

// CatalogPage is one page of catalog search results.
type CatalogPage = projection.Page[*BookDTO]

// BookDTO is the read-model shape returned by queries. Price is a decimal
// string; timestamps are RFC 3339. Unselected fields stay at their zero
// value and are omitted from the JSON.
type BookDTO struct {
	ID              string `json:"id,omitempty"`
	ISBN            string `json:"isbn,omitempty"`
	Title           string `json:"title,omitempty"`
	Author          string `json:"author,omitempty"`
	PublicationYear int    `json:"publicationYear,omitempty"`
	Publisher       string `json:"publisher,omitempty"`
	Price           string `json:"price,omitempty"`
	Version         int64  `json:"version,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty"`
	UpdatedAt       string `json:"updatedAt,omitempty"`
}
