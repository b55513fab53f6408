// Package normalize converts institution-native accounts into the
// canonical shape used for reconciliation. Everything here is pure: given
// identical input and a fixed run timestamp, output is byte-identical.
package normalize

import (
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fredericksapp/banksync/internal/domain"
)

// DefaultWindow is the trailing freshness window: institutions return more
// history than is needed, and anything older is discarded before
// reconciliation.
const DefaultWindow = 10 * 24 * time.Hour

// Normalizer applies the per-institution sign, date, and window rules.
// Now is captured once at institution-run start and fixed for the whole
// run; it is the only time input the transforms see.
type Normalizer struct {
	Now       time.Time
	Window    time.Duration
	TZ        *time.Location
	Namespace uuid.UUID
}

// New returns a Normalizer with the default freshness window.
func New(now time.Time, tz *time.Location, namespace uuid.UUID) *Normalizer {
	return &Normalizer{Now: now, Window: DefaultWindow, TZ: tz, Namespace: namespace}
}

// Normalize maps raw accounts into canonical accounts: deterministic IDs,
// liability balances negated, transactions signed, windowed, and sorted
// newest-first.
func (n *Normalizer) Normalize(raws []domain.RawAccount) []domain.Account {
	accounts := make([]domain.Account, 0, len(raws))
	for _, raw := range raws {
		accounts = append(accounts, domain.Account{
			ID:           domain.AccountID(n.Namespace, raw.Number),
			Name:         raw.Label,
			Balance:      normalBalance(raw),
			Transactions: n.transactions(raw.Transactions),
		})
	}
	return accounts
}

func (n *Normalizer) transactions(raws []domain.RawTransaction) []domain.Transaction {
	txns := mapTransactions(raws)
	txns = filterWindow(txns, n.cutoff())
	sortNewestFirst(txns)
	return txns
}

func (n *Normalizer) cutoff() civil.Date {
	window := n.Window
	if window <= 0 {
		window = DefaultWindow
	}
	now := n.Now
	if n.TZ != nil {
		now = now.In(n.TZ)
	}
	return civil.DateOf(now.Add(-window))
}

// normalBalance enforces the canonical sign convention: money owed on a
// revolving credit or loan account is negative regardless of how the
// institution reports it.
func normalBalance(raw domain.RawAccount) decimal.Decimal {
	if raw.Liability {
		return raw.Balance.Neg()
	}
	return raw.Balance
}

func mapTransactions(raws []domain.RawTransaction) []domain.Transaction {
	txns := make([]domain.Transaction, 0, len(raws))
	for _, raw := range raws {
		txns = append(txns, domain.Transaction{
			Date:        effectiveDate(raw),
			Description: CollapseWhitespace(raw.Description),
			Amount:      signedAmount(raw),
		})
	}
	return txns
}

// signedAmount resolves the spend-negative convention. Institutions that
// report unsigned amounts mark credits with an indicator; charges are
// negated and credits kept positive.
func signedAmount(raw domain.RawTransaction) decimal.Decimal {
	if raw.Signed {
		return raw.Amount
	}
	if raw.Credit {
		return raw.Amount.Abs()
	}
	return raw.Amount.Abs().Neg()
}

// effectiveDate selects between the transaction date and the posted date:
// credits settle later than they occur and are dated by when they post.
func effectiveDate(raw domain.RawTransaction) civil.Date {
	credit := raw.Credit || (raw.Signed && raw.Amount.IsPositive())
	if credit && raw.PostedDate.IsValid() {
		return raw.PostedDate
	}
	return raw.Date
}

func filterWindow(txns []domain.Transaction, cutoff civil.Date) []domain.Transaction {
	kept := txns[:0]
	for _, txn := range txns {
		if !txn.Date.Before(cutoff) {
			kept = append(kept, txn)
		}
	}
	return kept
}

// sortNewestFirst orders transactions by descending date. The sort is
// stable so reruns over identical input produce identical output.
func sortNewestFirst(txns []domain.Transaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		return txns[j].Date.Before(txns[i].Date)
	})
}

// CollapseWhitespace trims a description and collapses internal runs of
// whitespace to single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
