package bank

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fredericksapp/banksync/internal/domain"
	"github.com/fredericksapp/banksync/internal/logger"
	"github.com/fredericksapp/banksync/internal/otp"
	"github.com/fredericksapp/banksync/internal/site"
)

const (
	nbdbLoginURL   = "https://client.bnc.ca/nbdb/login"
	nbdbAuthnURL   = "https://api.bnc.ca/bnc/prod-okta/sso/api/v1/authn"
	nbdbSummaryURL = "https://iiroc.investments.apis.bnc.ca/orion-api/v1/1/portfolios/summary"

	nbdbCodeSender  = "noreply@appbnc.ca"
	nbdbCodeSubject = "Here's your verification code"
)

var errEmptyPortfolio = errors.New("portfolio summary contained no portfolios")

// NBDB drives the National Bank Direct Brokerage login flow. Accounts are
// investment portfolios: balances only, no transactions; the run ends in a
// balance update rather than a transaction import.
type NBDB struct {
	deps Deps
}

func (n *NBDB) Institution() domain.Institution { return domain.InstitutionNBDB }

func (n *NBDB) Authenticate(ctx context.Context, sess site.Session, creds Credentials) ([]domain.RawAccount, error) {
	accounts, err := n.login(ctx, sess, creds)
	if err != nil {
		return nil, authFailed(domain.InstitutionNBDB, err)
	}
	return accounts, nil
}

func (n *NBDB) login(ctx context.Context, sess site.Session, creds Credentials) ([]domain.RawAccount, error) {
	log := logger.FromContext(ctx)

	log.Debug().Msg("Navigating to NBDB login page")
	if err := sess.Navigate(ctx, nbdbLoginURL); err != nil {
		return nil, &domain.SessionError{Op: "navigate", Err: err}
	}

	log.Debug().Msg("Accepting cookies")
	if err := sess.Click(ctx, `text=Accept`); err != nil {
		return nil, &domain.SessionError{Op: "accept cookies", Err: err}
	}

	log.Debug().Msg("Filling in user ID and password")
	if err := sess.Fill(ctx, `role=textbox[name="User ID"]`, creds.Username); err != nil {
		return nil, &domain.SessionError{Op: "fill user id", Err: err}
	}
	if err := sess.Fill(ctx, `role=textbox[name="Password"]`, creds.Password); err != nil {
		return nil, &domain.SessionError{Op: "fill password", Err: err}
	}
	if err := sess.Click(ctx, `role=button[name="Sign in"]`); err != nil {
		return nil, &domain.SessionError{Op: "click sign in", Err: err}
	}

	log.Debug().Msg("Waiting for authn response")
	var authn nbdbAuthnResponse
	if _, err := awaitJSON(ctx, sess, func(u, method string) bool {
		return u == nbdbAuthnURL && method == "POST"
	}, &authn); err != nil {
		return nil, err
	}

	if authn.Status == "MFA_REQUIRED" {
		log.Debug().Msg("Two-factor authentication required")
		if err := sess.Click(ctx, `role=link[name="Email"]`); err != nil {
			return nil, &domain.SessionError{Op: "select email channel", Err: err}
		}
		issuedAt := time.Now()

		code, err := n.deps.Codes.FetchCode(ctx, otp.Request{
			Channel: otp.ChannelEmail,
			After:   issuedAt,
			Sender:  nbdbCodeSender,
			Subject: nbdbCodeSubject,
			Timeout: n.deps.OTPTimeout,
		})
		if err != nil {
			return nil, err
		}

		log.Debug().Msg("Filling in two-factor authentication code")
		if err := sess.Fill(ctx, `role=textbox[name="Verification code"]`, code); err != nil {
			return nil, &domain.SessionError{Op: "fill code", Err: err}
		}
		if err := sess.Click(ctx, `role=button[name="Confirm"]`); err != nil {
			return nil, &domain.SessionError{Op: "submit code", Err: err}
		}
	}

	var summary nbdbSummaryResponse
	if _, err := awaitJSON(ctx, sess, func(u, method string) bool {
		return strings.HasPrefix(u, nbdbSummaryURL) && method == "GET"
	}, &summary); err != nil {
		return nil, err
	}

	if len(summary.Data.PortfolioSummaryList) == 0 {
		return nil, &domain.SessionError{Op: "portfolio summary", Err: errEmptyPortfolio}
	}

	portfolio := summary.Data.PortfolioSummaryList[0]
	raws := make([]domain.RawAccount, 0, len(portfolio.AccountSummaries))
	for _, account := range portfolio.AccountSummaries {
		raws = append(raws, domain.RawAccount{
			Number:  account.AcctNo,
			Label:   account.AcctTypeDesc,
			Balance: account.Evaluation.CAD.Total,
		})
	}
	log.Debug().Int("accounts", len(raws)).Msg("Fetched account summaries from NBDB")
	return raws, nil
}

// ---- wire shapes ----

type nbdbAuthnResponse struct {
	Status string `json:"status"`
}

type nbdbSummaryResponse struct {
	Data struct {
		PortfolioSummaryList []struct {
			AccountSummaries []nbdbAccountSummary `json:"accountSummaries"`
		} `json:"portfolioSummaryList"`
	} `json:"data"`
}

type nbdbAccountSummary struct {
	AcctNo       string `json:"acctNo"`
	AcctTypeDesc string `json:"acctTypeDesc"`
	Evaluation   struct {
		CAD struct {
			Total decimal.Decimal `json:"total"`
		} `json:"CAD"`
	} `json:"accountSummaryEvalByCurrency"`
}
