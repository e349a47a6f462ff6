package handlers

import (
	"errors"

	"github.com/plaenen/libris/pkg/cqrs"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/reservations"
)

// RegisterEndpoints exposes the reservation surface on a request/reply
// server.
func RegisterEndpoints(srv cqrs.Server, bus eventsourcing.CommandBus, queries *QueryHandler) error {
	return errors.Join(
		srv.RegisterHandler(libris.SubjectReservationCreate,
			cqrs.CommandEndpoint[reservations.CreateReservationCommand](bus, reservations.CommandTypeCreateReservation)),
		srv.RegisterHandler(libris.SubjectReservationBorrow,
			cqrs.CommandEndpoint[reservations.BorrowReservationCommand](bus, reservations.CommandTypeBorrowReservation)),
		srv.RegisterHandler(libris.SubjectReservationReturn,
			cqrs.CommandEndpoint[reservations.ReturnReservationCommand](bus, reservations.CommandTypeReturnReservation)),
		srv.RegisterHandler(libris.SubjectReservationCancel,
			cqrs.CommandEndpoint[reservations.CancelReservationCommand](bus, reservations.CommandTypeCancelReservation)),
		srv.RegisterHandler(libris.SubjectReservationDelete,
			cqrs.CommandEndpoint[reservations.DeleteReservationCommand](bus, reservations.CommandTypeDeleteReservation)),
		srv.RegisterHandler(libris.SubjectReservationHistory, cqrs.QueryEndpoint(queries.GetReservationHistory)),
	)
}
