package ynab

// Wire types for the YNAB v1 API surface the engine uses:
// https://api.ynab.com/v1#/Accounts and #/Transactions.

// Account is a ledger account. Note carries the free-text marker that links
// it to a scraped canonical account.
type Account struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Note           string `json:"note"`
	Deleted        bool   `json:"deleted"`
	Closed         bool   `json:"closed"`
	Balance        int64  `json:"balance"`
	ClearedBalance int64  `json:"cleared_balance"`
}

type accountsResponse struct {
	Data struct {
		Accounts []Account `json:"accounts"`
	} `json:"data"`
}

// Transaction is one transaction submitted for import. Amount is in
// milliunits. ImportID is what makes repeated submissions no-ops: the
// ledger silently deduplicates previously seen import IDs.
type Transaction struct {
	AccountID string `json:"account_id"`
	Date      string `json:"date"`
	Amount    int64  `json:"amount"`
	PayeeName string `json:"payee_name"`
	Cleared   string `json:"cleared"`
	ImportID  string `json:"import_id"`
}

// ClearedStatusCleared marks imported transactions as cleared.
const ClearedStatusCleared = "cleared"

type transactionsPayload struct {
	Transactions []Transaction `json:"transactions"`
}

// CreateResult summarizes a createTransactions call.
type CreateResult struct {
	TransactionIDs     []string `json:"transaction_ids"`
	DuplicateImportIDs []string `json:"duplicate_import_ids"`
}

type createResponse struct {
	Data CreateResult `json:"data"`
}

type errorResponse struct {
	Error struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Detail string `json:"detail"`
	} `json:"error"`
}
