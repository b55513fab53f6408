package ynab

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"

	"github.com/fredericksapp/banksync/internal/domain"
	"github.com/fredericksapp/banksync/internal/logger"
)

// BalanceAdjustmentPayee names the synthetic transactions created when
// reconciling balance-only accounts.
const BalanceAdjustmentPayee = "Automated Balance Adjustment"

// UpdateAccountBalances reconciles institutions that report balances but no
// transactions (investment accounts). For each matched ledger account it
// submits a single adjustment bringing the cleared balance to the scraped
// balance; accounts already in agreement produce nothing.
func (im *Importer) UpdateAccountBalances(ctx context.Context, accounts []domain.Account) ([]Transaction, error) {
	log := logger.FromContext(ctx)
	log.Debug().Msg("Updating ledger account balances")

	ledgerAccounts, err := im.Ledger.Accounts(ctx, im.BudgetID)
	if err != nil {
		return nil, &domain.ReconcileError{Err: fmt.Errorf("listing ledger accounts: %w", err)}
	}

	date := civil.DateOf(im.Now).String()

	var adjustments []Transaction
	for _, account := range accounts {
		ledgerAccount, ok := matchLedgerAccount(ledgerAccounts, account.ID)
		if !ok {
			continue
		}

		delta := Milliunits(account.Balance) - ledgerAccount.ClearedBalance
		if delta == 0 {
			continue
		}

		adjustments = append(adjustments, Transaction{
			AccountID: ledgerAccount.ID,
			Date:      date,
			Amount:    delta,
			PayeeName: BalanceAdjustmentPayee,
			Cleared:   ClearedStatusCleared,
			ImportID:  ImportID(delta, date, 1),
		})
	}

	if len(adjustments) == 0 {
		log.Debug().Msg("All ledger balances already current")
		return nil, nil
	}

	if _, err := im.Ledger.CreateTransactions(ctx, im.BudgetID, adjustments); err != nil {
		return nil, &domain.ReconcileError{Err: err}
	}

	log.Info().Int("adjusted", len(adjustments)).Msg("Updated ledger account balance(s)")
	return adjustments, nil
}
