package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cloud.google.com/go/civil"
)

// RawAccount is an institution-native account as resolved during login.
// The fetch handles (Number, CustomerID, Index) are only meaningful to the
// institution that produced them and never leave the normalization stage.
type RawAccount struct {
	Number     string // natural key, e.g. account or card number
	Label      string // product display name
	Balance    decimal.Decimal
	Liability  bool // revolving credit / loan; native balance reports money owed as positive
	CustomerID string
	Index      string

	Transactions []RawTransaction
}

// RawTransaction carries the institution's native transaction fields before
// any sign or date rule is applied.
type RawTransaction struct {
	Date        civil.Date
	PostedDate  civil.Date
	Description string
	Amount      decimal.Decimal
	// Credit marks refunds/payments on institutions that report unsigned
	// amounts with a separate indicator.
	Credit bool
	// Signed is true when Amount already carries the spend-negative
	// convention and must not be flipped.
	Signed bool
}

// Account is the canonical, institution-agnostic account shape.
// ID is deterministic for the same real-world account across runs, which is
// what lets the ledger recognize it via a note marker.
type Account struct {
	ID           string
	Name         string
	Balance      decimal.Decimal
	Transactions []Transaction
}

// Transaction is the canonical transaction shape: spend negative,
// credit/refund positive, description whitespace-collapsed.
type Transaction struct {
	Date        civil.Date
	Description string
	Amount      decimal.Decimal
}

// AccountID derives the canonical account identifier from the dedup
// namespace and the institution-supplied natural key (UUIDv5).
func AccountID(namespace uuid.UUID, naturalKey string) string {
	return uuid.NewSHA1(namespace, []byte(naturalKey)).String()
}
