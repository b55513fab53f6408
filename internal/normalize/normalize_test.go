package normalize

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fredericksapp/banksync/internal/domain"
)

var (
	testNow = time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	testNS  = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
)

func date(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func TestNormalize_Deterministic(t *testing.T) {
	raws := []domain.RawAccount{{
		Number:  "4500123456789",
		Label:   "Chequing",
		Balance: decimal.NewFromFloat(1250.75),
		Transactions: []domain.RawTransaction{
			{Date: date(2026, time.August, 28), Description: "GROCERY  CO", Amount: decimal.NewFromFloat(-42.10), Signed: true},
			{Date: date(2026, time.August, 29), Description: "PAYROLL", Amount: decimal.NewFromFloat(2000), Signed: true},
		},
	}}

	n := New(testNow, time.UTC, testNS)
	first := n.Normalize(raws)
	second := n.Normalize(raws)

	assert.Equal(t, first, second)
	require.Len(t, first, 1)
	assert.Equal(t, domain.AccountID(testNS, "4500123456789"), first[0].ID)
}

func TestNormalize_LiabilityBalanceNegated(t *testing.T) {
	raws := []domain.RawAccount{
		{Number: "1", Label: "Card", Balance: decimal.NewFromFloat(321.50), Liability: true},
		{Number: "2", Label: "Savings", Balance: decimal.NewFromFloat(321.50)},
	}

	accounts := New(testNow, time.UTC, testNS).Normalize(raws)
	require.Len(t, accounts, 2)
	assert.True(t, accounts[0].Balance.Equal(decimal.NewFromFloat(-321.50)), "liability balance should be negative")
	assert.True(t, accounts[1].Balance.Equal(decimal.NewFromFloat(321.50)))
}

func TestSignedAmount(t *testing.T) {
	tests := []struct {
		name string
		raw  domain.RawTransaction
		want string
	}{
		{"signed passthrough negative", domain.RawTransaction{Amount: decimal.NewFromFloat(-10.25), Signed: true}, "-10.25"},
		{"signed passthrough positive", domain.RawTransaction{Amount: decimal.NewFromFloat(99.99), Signed: true}, "99.99"},
		{"unsigned charge negated", domain.RawTransaction{Amount: decimal.NewFromFloat(55.10)}, "-55.1"},
		{"unsigned credit stays positive", domain.RawTransaction{Amount: decimal.NewFromFloat(55.10), Credit: true}, "55.1"},
		{"unsigned negative charge still negative", domain.RawTransaction{Amount: decimal.NewFromFloat(-7)}, "-7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, signedAmount(tt.raw).String())
		})
	}
}

func TestEffectiveDate(t *testing.T) {
	txn := date(2026, time.August, 25)
	posted := date(2026, time.August, 27)

	tests := []struct {
		name string
		raw  domain.RawTransaction
		want civil.Date
	}{
		{"credit uses posted date", domain.RawTransaction{Date: txn, PostedDate: posted, Credit: true}, posted},
		{"signed positive uses posted date", domain.RawTransaction{Date: txn, PostedDate: posted, Amount: decimal.NewFromInt(20), Signed: true}, posted},
		{"charge keeps transaction date", domain.RawTransaction{Date: txn, PostedDate: posted, Amount: decimal.NewFromInt(20)}, txn},
		{"credit without posted date falls back", domain.RawTransaction{Date: txn, Credit: true}, txn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, effectiveDate(tt.raw))
		})
	}
}

func TestNormalize_WindowAndOrder(t *testing.T) {
	raws := []domain.RawAccount{{
		Number: "1",
		Transactions: []domain.RawTransaction{
			{Date: date(2026, time.August, 5), Description: "too old", Amount: decimal.NewFromInt(-1), Signed: true},
			{Date: date(2026, time.August, 22), Description: "mid", Amount: decimal.NewFromInt(-2), Signed: true},
			{Date: date(2026, time.August, 29), Description: "newest", Amount: decimal.NewFromInt(-3), Signed: true},
			{Date: date(2026, time.August, 20), Description: "cutoff day", Amount: decimal.NewFromInt(-4), Signed: true},
			{Date: date(2026, time.August, 19), Description: "one before cutoff", Amount: decimal.NewFromInt(-5), Signed: true},
		},
	}}

	accounts := New(testNow, time.UTC, testNS).Normalize(raws)
	require.Len(t, accounts, 1)

	var descriptions []string
	for _, txn := range accounts[0].Transactions {
		descriptions = append(descriptions, txn.Description)
	}
	assert.Equal(t, []string{"newest", "mid", "cutoff day"}, descriptions)
}

func TestNormalize_StableOrderWithinDay(t *testing.T) {
	day := date(2026, time.August, 28)
	raws := []domain.RawAccount{{
		Number: "1",
		Transactions: []domain.RawTransaction{
			{Date: day, Description: "first", Amount: decimal.NewFromInt(-1), Signed: true},
			{Date: day, Description: "second", Amount: decimal.NewFromInt(-2), Signed: true},
			{Date: day, Description: "third", Amount: decimal.NewFromInt(-3), Signed: true},
		},
	}}

	accounts := New(testNow, time.UTC, testNS).Normalize(raws)
	require.Len(t, accounts, 1)
	require.Len(t, accounts[0].Transactions, 3)
	assert.Equal(t, "first", accounts[0].Transactions[0].Description)
	assert.Equal(t, "second", accounts[0].Transactions[1].Description)
	assert.Equal(t, "third", accounts[0].Transactions[2].Description)
}

func TestCollapseWhitespace(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  PAYMENT   RECEIVED  ", "PAYMENT RECEIVED"},
		{"TIM\tHORTONS\n#123", "TIM HORTONS #123"},
		{"plain", "plain"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CollapseWhitespace(tt.in))
	}
}
