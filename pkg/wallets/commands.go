package wallets

import (
	"github.com/plaenen/libris/pkg/validators"
)

// Command types routed over the command bus.
const (
	CommandTypeCreateWallet        = "CreateWallet"
	CommandTypeUpdateWalletBalance = "UpdateWalletBalance"
)

// CreateWalletCommand opens a wallet for a user. Balance is an optional
// opening amount as a decimal string; reservations that find no wallet open
// one on the fly with a zero balance, this command is the funded path.
type CreateWalletCommand struct {
	UserID  string `json:"userId"`
	Balance string `json:"balance,omitempty"`
}

func (c *CreateWalletCommand) ValidateFields() validators.FieldValidationResults {
	b := validators.NewValidationBuilder().
		Add(validators.ValidateStringEmpty(c.UserID, "userId")).
		Add(validators.ValidateStringLength(c.UserID, "userId", 1, 128))
	if c.Balance != "" {
		b.Add(validators.ValidateAmount("balance", c.Balance))
	}
	return b.Build()
}

// UpdateWalletBalanceCommand applies a signed adjustment ("5.00" tops up,
// "-2.50" takes out). The wallet is addressed by id or, when the id is
// unknown, by its owner.
type UpdateWalletBalanceCommand struct {
	WalletID string `json:"walletId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Amount   string `json:"amount"`
}

func (c *UpdateWalletBalanceCommand) ValidateFields() validators.FieldValidationResults {
	b := validators.NewValidationBuilder()
	if c.WalletID == "" {
		b.Add(validators.ValidateStringEmpty(c.UserID, "userId"),
			validators.WithSuggestedAction("Provide either the wallet id or the owning user id."))
	} else {
		b.Add(validators.ValidateUUID("walletId", c.WalletID))
	}
	b.Add(validators.ValidateSignedAmount("amount", c.Amount))
	return b.Build()
}

// GetWalletQuery fetches a single wallet view by id or owner. An empty
// Fields selects every field; unknown names are ignored.
type GetWalletQuery struct {
	WalletID string   `json:"walletId,omitempty"`
	UserID   string   `json:"userId,omitempty"`
	Fields   []string `json:"fields,omitempty"`
}

// WalletDTO is the read-model shape returned by queries. Balance is a
// decimal string; timestamps are RFC 3339.
type WalletDTO struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Balance   string `json:"balance,omitempty"`
	Version   int64  `json:"version,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}
