package ynab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/fredericksapp/banksync/internal/domain"
	"github.com/fredericksapp/banksync/internal/logger"
)

// DefaultHorizon is the long-horizon import eligibility bound. The 10-day
// freshness window upstream makes it rarely binding; it exists as a
// defensive limit on what gets submitted.
const DefaultHorizon = 5 * 365 * 24 * time.Hour

var milliunits = decimal.NewFromInt(1000)

// Importer matches canonical accounts to ledger accounts and submits their
// transactions with deterministic import IDs. It keeps no state across
// calls: cross-run idempotence is entirely the ledger's import-id dedup.
type Importer struct {
	Ledger   LedgerService
	BudgetID string

	// Now is the run's fixed timestamp, captured at institution-run start.
	Now time.Time
	// Horizon bounds how far back a transaction may be dated and still be
	// imported. Zero means DefaultHorizon.
	Horizon time.Duration
}

// ImportTransactions submits every eligible transaction from accounts to
// the ledger and returns what was submitted. When nothing is eligible the
// submission endpoint is never contacted.
func (im *Importer) ImportTransactions(ctx context.Context, accounts []domain.Account) ([]Transaction, error) {
	log := logger.FromContext(ctx)
	log.Debug().Msg("Importing transactions to ledger")

	ledgerAccounts, err := im.Ledger.Accounts(ctx, im.BudgetID)
	if err != nil {
		return nil, &domain.ReconcileError{Err: fmt.Errorf("listing ledger accounts: %w", err)}
	}

	if !anyTransactions(accounts) {
		log.Debug().Msg("Imported 0 transaction(s)")
		return nil, nil
	}

	toImport := im.assemble(ledgerAccounts, accounts)
	if len(toImport) == 0 {
		log.Debug().Msg("Imported 0 transaction(s)")
		return nil, nil
	}

	result, err := im.Ledger.CreateTransactions(ctx, im.BudgetID, toImport)
	if err != nil {
		return nil, &domain.ReconcileError{Err: err}
	}

	log.Info().
		Int("submitted", len(toImport)).
		Int("created", len(result.TransactionIDs)).
		Int("duplicates", len(result.DuplicateImportIDs)).
		Msg("Imported transaction(s)")
	return toImport, nil
}

// assemble filters and converts transactions, assigning occurrence-indexed
// import IDs. The occurrence counter is keyed by (ledger account, amount,
// date) and scoped to this call only; two genuinely identical same-day
// transactions get distinct trailing indexes while reruns regenerate the
// same IDs for the ledger to deduplicate.
func (im *Importer) assemble(ledgerAccounts []Account, accounts []domain.Account) []Transaction {
	occurrences := map[string]int{}

	var toImport []Transaction
	for _, account := range accounts {
		if len(account.Transactions) == 0 {
			continue
		}
		// Accounts the user hasn't linked in the ledger yet are skipped,
		// not errors.
		ledgerAccount, ok := matchLedgerAccount(ledgerAccounts, account.ID)
		if !ok {
			continue
		}

		for _, txn := range account.Transactions {
			if !im.eligible(txn.Date) {
				continue
			}

			amount := Milliunits(txn.Amount)
			date := txn.Date.String()

			key := fmt.Sprintf("%s:%d:%s", ledgerAccount.ID, amount, date)
			occurrences[key]++

			toImport = append(toImport, Transaction{
				AccountID: ledgerAccount.ID,
				Date:      date,
				Amount:    amount,
				PayeeName: txn.Description,
				Cleared:   ClearedStatusCleared,
				ImportID:  ImportID(amount, date, occurrences[key]),
			})
		}
	}
	return toImport
}

// eligible bounds import to the trailing horizon, independent of the
// freshness window applied during normalization.
func (im *Importer) eligible(date civil.Date) bool {
	horizon := im.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	earliest := civil.DateOf(im.Now.Add(-horizon))
	latest := civil.DateOf(im.Now)
	return !date.Before(earliest) && !latest.Before(date)
}

// matchLedgerAccount finds the ledger account whose note references the
// canonical account ID.
func matchLedgerAccount(ledgerAccounts []Account, canonicalID string) (Account, bool) {
	for _, account := range ledgerAccounts {
		if strings.Contains(account.Note, canonicalID) {
			return account, true
		}
	}
	return Account{}, false
}

// Milliunits converts a decimal amount to the ledger's minor-unit integer
// representation, rounding half away from zero.
func Milliunits(amount decimal.Decimal) int64 {
	return amount.Mul(milliunits).Round(0).IntPart()
}

// ImportID builds the deterministic import identifier. Occurrence starts
// at 1 and counts repeated identical (account, amount, date) tuples within
// one run.
func ImportID(amount int64, date string, occurrence int) string {
	return fmt.Sprintf("YNAB:%d:%s:%d", amount, date, occurrence)
}

func anyTransactions(accounts []domain.Account) bool {
	for _, account := range accounts {
		if len(account.Transactions) > 0 {
			return true
		}
	}
	return false
}
