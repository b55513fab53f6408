package bank

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/fredericksapp/banksync/internal/domain"
	"github.com/fredericksapp/banksync/internal/logger"
	"github.com/fredericksapp/banksync/internal/otp"
	"github.com/fredericksapp/banksync/internal/site"
)

const (
	manulifeAccountsPageURL = "https://online.manulifebank.ca/accounts"
	manulifeInitURL         = "https://online.manulifebank.ca/init"
	manulifeAccountsAPIURL  = "https://online.manulifebank.ca/api/v9/bank/ca/v2/accounts/"
	manulifeHistoryURL      = "https://online.manulifebank.ca/api/v9/bank/ca/v2/accounts/history"

	manulifeSMSSender = "626854"
)

// ManulifeBank drives the Manulife Bank login flow. The MFA signal is a
// redirect to the identity provider's OTP pages instead of the banking
// init URL.
type ManulifeBank struct {
	deps Deps
}

func (m *ManulifeBank) Institution() domain.Institution { return domain.InstitutionManulife }

func (m *ManulifeBank) Authenticate(ctx context.Context, sess site.Session, creds Credentials) ([]domain.RawAccount, error) {
	accounts, err := m.login(ctx, sess, creds)
	if err != nil {
		return nil, authFailed(domain.InstitutionManulife, err)
	}
	return accounts, nil
}

func (m *ManulifeBank) login(ctx context.Context, sess site.Session, creds Credentials) ([]domain.RawAccount, error) {
	log := logger.FromContext(ctx)

	log.Debug().Msg("Navigating to Manulife Bank login page")
	if err := sess.Navigate(ctx, manulifeAccountsPageURL); err != nil {
		return nil, &domain.SessionError{Op: "navigate", Err: err}
	}
	if err := sess.Click(ctx, `role=button[name="Sign in"]`); err != nil {
		return nil, &domain.SessionError{Op: "open sign in", Err: err}
	}

	log.Debug().Msg("Filling in username and password")
	if err := sess.Fill(ctx, `role=textbox[name="Username"]`, creds.Username); err != nil {
		return nil, &domain.SessionError{Op: "fill username", Err: err}
	}
	if err := sess.Fill(ctx, `role=textbox[name="Password"]`, creds.Password); err != nil {
		return nil, &domain.SessionError{Op: "fill password", Err: err}
	}
	if err := sess.Click(ctx, `role=button[name="Sign In"]`); err != nil {
		return nil, &domain.SessionError{Op: "click sign in", Err: err}
	}

	log.Debug().Msg("Waiting for post-login navigation")
	nav, err := sess.AwaitResponse(ctx, func(u, method string) bool {
		return strings.HasPrefix(u, "https://id.manulife.ca/otp-on-demand") ||
			strings.HasPrefix(u, "https://id.manulife.ca/mfa") ||
			u == manulifeInitURL
	})
	if err != nil {
		return nil, &domain.SessionError{Op: "await post-login navigation", Err: err}
	}

	if nav.URL != manulifeInitURL {
		log.Debug().Msg("Two-factor authentication required")
		if err := sess.Click(ctx, `role=button[name="Text"]`); err != nil {
			return nil, &domain.SessionError{Op: "select sms channel", Err: err}
		}
		issuedAt := time.Now()

		code, err := m.deps.Codes.FetchCode(ctx, otp.Request{
			Channel: otp.ChannelSMS,
			After:   issuedAt,
			Sender:  manulifeSMSSender,
			Timeout: m.deps.OTPTimeout,
		})
		if err != nil {
			return nil, err
		}

		log.Debug().Msg("Filling in two-factor authentication code")
		if err := sess.Fill(ctx, `role=textbox[name="Code"]`, code); err != nil {
			return nil, &domain.SessionError{Op: "fill code", Err: err}
		}
		if err := sess.Click(ctx, `role=button[name="Continue"]`); err != nil {
			return nil, &domain.SessionError{Op: "submit code", Err: err}
		}
	}

	return m.fetchAccounts(ctx, sess)
}

func (m *ManulifeBank) fetchAccounts(ctx context.Context, sess site.Session) ([]domain.RawAccount, error) {
	log := logger.FromContext(ctx)
	log.Debug().Msg("Fetching accounts from Manulife Bank")

	var parsed manulifeAccountsResponse
	resp, err := awaitJSON(ctx, sess, func(u, method string) bool {
		return u == manulifeAccountsAPIURL && method == "GET"
	}, &parsed)
	if err != nil {
		return nil, err
	}
	accounts := parsed.AssetAccounts.AssetAccount
	log.Debug().Int("accounts", len(accounts)).Msg("Fetched accounts from Manulife Bank")

	raws := make([]domain.RawAccount, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	for i, account := range accounts {
		g.Go(func() error {
			txns, err := m.fetchTransactions(gctx, account, resp.RequestHeaders)
			if err != nil {
				return fmt.Errorf("fetching transactions for %s: %w", account.label(), err)
			}
			raw := account.raw()
			raw.Transactions = txns
			raws[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return raws, nil
}

// fetchTransactions replays the headers the browser used for the accounts
// call against the history endpoint for the fetch window.
func (m *ManulifeBank) fetchTransactions(ctx context.Context, account manulifeAccount, headers map[string]string) ([]domain.RawTransaction, error) {
	log := logger.FromContext(ctx)
	log.Debug().Str("account", account.label()).Msg("Fetching transactions")

	endpoint := fmt.Sprintf("%s/%s/start/%s/end/%s", manulifeHistoryURL, account.ID, m.deps.fetchFrom(), m.deps.fetchTo())

	var parsed manulifeHistoryResponse
	if err := getJSON(ctx, m.deps.httpClient(), "GET", endpoint, headers, nil, &parsed); err != nil {
		return nil, err
	}

	rows := parsed.HistoryTransactions.Transaction
	txns := make([]domain.RawTransaction, 0, len(rows))
	for _, row := range rows {
		txns = append(txns, row.raw())
	}
	log.Debug().Str("account", account.label()).Int("transactions", len(txns)).Msg("Fetched transactions")
	return txns, nil
}

// ---- wire shapes ----

type manulifeAccountsResponse struct {
	AssetAccounts struct {
		AssetAccount []manulifeAccount `json:"assetAccount"`
	} `json:"assetAccounts"`
}

type manulifeAccount struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AccountID   struct {
		AccountNumber string `json:"accountNumber"`
	} `json:"accountId"`
	Balance decimal.Decimal `json:"balance"`
}

func (a manulifeAccount) label() string {
	return fmt.Sprintf("%s (%s)", a.DisplayName, a.AccountID.AccountNumber)
}

func (a manulifeAccount) raw() domain.RawAccount {
	return domain.RawAccount{
		Number:  a.AccountID.AccountNumber,
		Label:   a.label(),
		Balance: a.Balance,
		Index:   a.ID,
	}
}

type manulifeHistoryResponse struct {
	HistoryTransactions struct {
		Transaction []manulifeTransaction `json:"transaction"`
	} `json:"historyTransactions"`
}

type manulifeTransaction struct {
	Date              int64           `json:"date"` // epoch milliseconds
	Description       string          `json:"description"`
	TransactionAmount decimal.Decimal `json:"transactionAmount"`
}

func (t manulifeTransaction) raw() domain.RawTransaction {
	return domain.RawTransaction{
		Date:        civil.DateOf(time.UnixMilli(t.Date)),
		Description: t.Description,
		Amount:      t.TransactionAmount,
		Signed:      true,
	}
}
