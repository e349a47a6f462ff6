package handlers

import (
	"errors"

	"github.com/plaenen/libris/pkg/cqrs"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/wallets"
)

// RegisterEndpoints exposes the wallet surface on a request/reply server.
func RegisterEndpoints(srv cqrs.Server, bus eventsourcing.CommandBus, queries *QueryHandler) error {
	return errors.Join(
		srv.RegisterHandler(libris.SubjectWalletCreate,
			cqrs.CommandEndpoint[wallets.CreateWalletCommand](bus, wallets.CommandTypeCreateWallet)),
		srv.RegisterHandler(libris.SubjectWalletUpdateBalance,
			cqrs.CommandEndpoint[wallets.UpdateWalletBalanceCommand](bus, wallets.CommandTypeUpdateWalletBalance)),
		srv.RegisterHandler(libris.SubjectWalletGet, cqrs.QueryEndpoint(queries.GetWallet)),
	)
}
