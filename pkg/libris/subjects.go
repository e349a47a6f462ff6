package libris

// Request/reply subjects served by the daemon. Commands and queries share
// one namespace; the sdk client and the server must agree on these, so they
// live here with the rest of the shared vocabulary.
const (
	SubjectBookCreate    = "libris.books.create"
	SubjectBookUpdate    = "libris.books.update"
	SubjectBookDelete    = "libris.books.delete"
	SubjectBookGet       = "libris.books.get"
	SubjectCatalogSearch = "libris.catalog.search"

	SubjectReservationCreate  = "libris.reservations.create"
	SubjectReservationBorrow  = "libris.reservations.borrow"
	SubjectReservationReturn  = "libris.reservations.return"
	SubjectReservationCancel  = "libris.reservations.cancel"
	SubjectReservationDelete  = "libris.reservations.delete"
	SubjectReservationHistory = "libris.reservations.history"

	SubjectWalletCreate        = "libris.wallets.create"
	SubjectWalletGet           = "libris.wallets.get"
	SubjectWalletUpdateBalance = "libris.wallets.updateBalance"
)
