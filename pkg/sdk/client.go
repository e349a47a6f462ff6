// Package sdk is the typed Go client for the libris request/reply surface.
// Every daemon subject gets one method; requests and responses are the same
// structs the server decodes, so client and server cannot drift apart. The
// client is transport-agnostic and works over any cqrs.Transport.
package sdk

import (
	"context"
	"fmt"

	"github.com/plaenen/libris/pkg/books"
	"github.com/plaenen/libris/pkg/cqrs"
	cqrsnats "github.com/plaenen/libris/pkg/cqrs/nats"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/reservations"
	"github.com/plaenen/libris/pkg/wallets"
)

// Client calls the libris command and query endpoints. Commands return the
// acknowledgement with the aggregate's new version; reads return DTOs from
// the projections. Conflict retries happen inside the transport, so a
// returned conflict means the retry budget is spent.
//
// Attach a correlation id with cqrs.WithCorrelationID to join the server
// side of a call to an existing trace.
type Client struct {
	transport cqrs.Transport
}

// New wraps an existing transport. Close closes the transport.
func New(transport cqrs.Transport) *Client {
	return &Client{transport: transport}
}

// Connect dials NATS and returns a connected client. A nil config connects
// to nats.DefaultURL with default tuning.
func Connect(ctx context.Context, config *cqrsnats.TransportConfig) (*Client, error) {
	transport, err := cqrsnats.NewTransport(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect sdk transport: %w", err)
	}
	return New(transport), nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Transport exposes the underlying transport for raw requests.
func (c *Client) Transport() cqrs.Transport {
	return c.transport
}

// CreateBook registers a book in the catalog. The ISBN must be unused.
func (c *Client) CreateBook(ctx context.Context, cmd *books.CreateBookCommand) (*eventsourcing.CommandAck, error) {
	return call[eventsourcing.CommandAck](ctx, c.transport, libris.SubjectBookCreate, cmd)
}

// UpdateBook applies a partial update to a book. Nil fields keep their
// current value.
func (c *Client) UpdateBook(ctx context.Context, cmd *books.UpdateBookCommand) (*eventsourcing.CommandAck, error) {
	return call[eventsourcing.CommandAck](ctx, c.transport, libris.SubjectBookUpdate, cmd)
}

// DeleteBook soft-deletes a book. Existing reservations are unaffected; new
// reservations against the book are rejected.
func (c *Client) DeleteBook(ctx context.Context, cmd *books.DeleteBookCommand) (*eventsourcing.CommandAck, error) {
	return call[eventsourcing.CommandAck](ctx, c.transport, libris.SubjectBookDelete, cmd)
}

// GetBook fetches one book by id, restricted to the requested fields.
func (c *Client) GetBook(ctx context.Context, query *books.GetBookQuery) (*books.BookDTO, error) {
	return call[books.BookDTO](ctx, c.transport, libris.SubjectBookGet, query)
}

// SearchCatalog pages through the catalog with free-text and field filters.
func (c *Client) SearchCatalog(ctx context.Context, query *books.SearchCatalogQuery) (*books.CatalogPage, error) {
	return call[books.CatalogPage](ctx, c.transport, libris.SubjectCatalogSearch, query)
}

// CreateReservation starts the reservation workflow. The acknowledgement
// arrives before validation and payment settle; poll GetReservationHistory
// or subscribe to the event stream for the outcome.
func (c *Client) CreateReservation(ctx context.Context, cmd *reservations.CreateReservationCommand) (*eventsourcing.CommandAck, error) {
	return call[eventsourcing.CommandAck](ctx, c.transport, libris.SubjectReservationCreate, cmd)
}

// BorrowReservation marks a reserved book as picked up and starts the
// lending period.
func (c *Client) BorrowReservation(ctx context.Context, cmd *reservations.BorrowReservationCommand) (*eventsourcing.CommandAck, error) {
	return call[eventsourcing.CommandAck](ctx, c.transport, libris.SubjectReservationBorrow, cmd)
}

// ReturnReservation records that the borrowed book came back. Late returns
// settle their fee asynchronously against the user's wallet.
func (c *Client) ReturnReservation(ctx context.Context, cmd *reservations.ReturnReservationCommand) (*eventsourcing.CommandAck, error) {
	return call[eventsourcing.CommandAck](ctx, c.transport, libris.SubjectReservationReturn, cmd)
}

// CancelReservation cancels a reservation that has not been borrowed yet.
func (c *Client) CancelReservation(ctx context.Context, cmd *reservations.CancelReservationCommand) (*eventsourcing.CommandAck, error) {
	return call[eventsourcing.CommandAck](ctx, c.transport, libris.SubjectReservationCancel, cmd)
}

// DeleteReservation removes a finished reservation from active views. The
// event history remains.
func (c *Client) DeleteReservation(ctx context.Context, cmd *reservations.DeleteReservationCommand) (*eventsourcing.CommandAck, error) {
	return call[eventsourcing.CommandAck](ctx, c.transport, libris.SubjectReservationDelete, cmd)
}

// GetReservationHistory pages through a user's reservations.
func (c *Client) GetReservationHistory(ctx context.Context, query *reservations.GetReservationHistoryQuery) (*reservations.HistoryPage, error) {
	return call[reservations.HistoryPage](ctx, c.transport, libris.SubjectReservationHistory, query)
}

// CreateWallet opens a wallet for a user. One wallet per user.
func (c *Client) CreateWallet(ctx context.Context, cmd *wallets.CreateWalletCommand) (*eventsourcing.CommandAck, error) {
	return call[eventsourcing.CommandAck](ctx, c.transport, libris.SubjectWalletCreate, cmd)
}

// UpdateWalletBalance credits or debits a wallet by a signed decimal amount.
func (c *Client) UpdateWalletBalance(ctx context.Context, cmd *wallets.UpdateWalletBalanceCommand) (*eventsourcing.CommandAck, error) {
	return call[eventsourcing.CommandAck](ctx, c.transport, libris.SubjectWalletUpdateBalance, cmd)
}

// GetWallet fetches a wallet view by wallet id or owner id.
func (c *Client) GetWallet(ctx context.Context, query *wallets.GetWalletQuery) (*wallets.WalletDTO, error) {
	return call[wallets.WalletDTO](ctx, c.transport, libris.SubjectWalletGet, query)
}

// call runs one request/reply exchange and decodes the result. Application
// failures come back as *eventsourcing.ResponseError so callers can branch
// on Kind and Code.
func call[T any](ctx context.Context, t cqrs.Transport, subject string, request any) (*T, error) {
	resp, err := t.Request(ctx, subject, request)
	if err != nil {
		return nil, err
	}
	if err := resp.AsError(); err != nil {
		return nil, err
	}
	out := new(T)
	if err := resp.UnpackData(out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", subject, err)
	}
	return out, nil
}
