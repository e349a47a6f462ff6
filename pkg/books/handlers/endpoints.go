package handlers

import (
	"errors"

	"github.com/plaenen/libris/pkg/books"
	"github.com/plaenen/libris/pkg/cqrs"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
)

// RegisterEndpoints exposes the book surface on a request/reply server.
// Commands dispatch through the bus so the middleware chain applies; queries
// go straight to the query handler.
func RegisterEndpoints(srv cqrs.Server, bus eventsourcing.CommandBus, queries *QueryHandler) error {
	return errors.Join(
		srv.RegisterHandler(libris.SubjectBookCreate,
			cqrs.CommandEndpoint[books.CreateBookCommand](bus, books.CommandTypeCreateBook)),
		srv.RegisterHandler(libris.SubjectBookUpdate,
			cqrs.CommandEndpoint[books.UpdateBookCommand](bus, books.CommandTypeUpdateBook)),
		srv.RegisterHandler(libris.SubjectBookDelete,
			cqrs.CommandEndpoint[books.DeleteBookCommand](bus, books.CommandTypeDeleteBook)),
		srv.RegisterHandler(libris.SubjectBookGet, cqrs.QueryEndpoint(queries.GetBook)),
		srv.RegisterHandler(libris.SubjectCatalogSearch, cqrs.QueryEndpoint(queries.SearchCatalog)),
	)
}
