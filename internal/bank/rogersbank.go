package bank

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/fredericksapp/banksync/internal/domain"
	"github.com/fredericksapp/banksync/internal/logger"
	"github.com/fredericksapp/banksync/internal/otp"
	"github.com/fredericksapp/banksync/internal/site"
)

const (
	rogersHomeURL         = "https://selfserve.rogersbank.com/home"
	rogersAuthenticateURL = "https://selfserve.apis.rogersbank.com/v1/authenticate"
	rogersAPIBase         = "https://selfserve.apis.rogersbank.com/corebank/v1"

	rogersCodeSender  = "onlineservices@RogersBank.com"
	rogersCodeSubject = "Your verification code"
)

// rogersCodePattern matches the 8-digit codes Rogers Bank sends.
var rogersCodePattern = regexp.MustCompile(`\b\d{8}\b`)

var rogersDetailURL = regexp.MustCompile(`^https://selfserve\.apis\.rogersbank\.com/corebank/v1/account/\d+/customer/\d+/detail$`)

// RogersBank drives the Rogers Bank credit card login flow. The MFA signal
// is an HTTP 412 on the authenticate call; a 401 carrying a
// reCAPTCHA-low-score error code is institution-fatal.
type RogersBank struct {
	deps Deps
}

func (r *RogersBank) Institution() domain.Institution { return domain.InstitutionRogersBank }

func (r *RogersBank) Authenticate(ctx context.Context, sess site.Session, creds Credentials) ([]domain.RawAccount, error) {
	accounts, err := r.login(ctx, sess, creds)
	if err != nil {
		return nil, authFailed(domain.InstitutionRogersBank, err)
	}
	return accounts, nil
}

func (r *RogersBank) login(ctx context.Context, sess site.Session, creds Credentials) ([]domain.RawAccount, error) {
	log := logger.FromContext(ctx)

	log.Debug().Msg("Navigating to Rogers Bank home page")
	if err := sess.Navigate(ctx, rogersHomeURL); err != nil {
		return nil, &domain.SessionError{Op: "navigate", Err: err}
	}

	log.Debug().Msg("Filling in username and password")
	if err := sess.Fill(ctx, `role=textbox[name="Username"]`, creds.Username); err != nil {
		return nil, &domain.SessionError{Op: "fill username", Err: err}
	}
	if err := sess.Fill(ctx, `role=textbox[name="Password"]`, creds.Password); err != nil {
		return nil, &domain.SessionError{Op: "fill password", Err: err}
	}
	if err := sess.Click(ctx, `role=checkbox[name="Remember me"]`); err != nil {
		return nil, &domain.SessionError{Op: "check remember me", Err: err}
	}
	if err := sess.Click(ctx, `role=button[name="Sign in"]`); err != nil {
		return nil, &domain.SessionError{Op: "click sign in", Err: err}
	}

	log.Debug().Msg("Waiting for authenticate response")
	resp, err := sess.AwaitResponse(ctx, func(u, method string) bool {
		return strings.HasPrefix(u, rogersAuthenticateURL) && method == "POST"
	})
	if err != nil {
		return nil, &domain.SessionError{Op: "await authenticate", Err: err}
	}

	if resp.Status == 401 {
		var body struct {
			ErrorCode string `json:"errorCode"`
		}
		if json.Unmarshal(resp.Body, &body) == nil && body.ErrorCode == "ERR_401_RECAPTCHA_LOW_SCORE" {
			return nil, fmt.Errorf("recaptcha rejected the login (low score)")
		}
		return nil, fmt.Errorf("authenticate returned 401")
	}

	// 412 means the session isn't trusted yet and a code is required.
	if resp.Status == 412 {
		if err := r.verifyCode(ctx, sess); err != nil {
			return nil, err
		}
	}

	log.Debug().Msg("Waiting for account detail response")
	var detail rogersAccountResponse
	if _, err := awaitJSON(ctx, sess, func(u, method string) bool {
		return rogersDetailURL.MatchString(u) && method == "GET"
	}, &detail); err != nil {
		return nil, err
	}

	txns, err := r.fetchTransactions(ctx, sess, detail)
	if err != nil {
		return nil, err
	}

	raw := detail.raw()
	raw.Transactions = txns
	return []domain.RawAccount{raw}, nil
}

func (r *RogersBank) verifyCode(ctx context.Context, sess site.Session) error {
	log := logger.FromContext(ctx)
	log.Debug().Msg("Two-factor authentication required")

	if err := sess.Click(ctx, `role=radio[name="@"]`); err != nil {
		return &domain.SessionError{Op: "select email channel", Err: err}
	}
	issuedAt := time.Now()
	if err := sess.Click(ctx, `role=button[name="Send code"]`); err != nil {
		return &domain.SessionError{Op: "send code", Err: err}
	}

	code, err := r.deps.Codes.FetchCode(ctx, otp.Request{
		Channel: otp.ChannelEmail,
		After:   issuedAt,
		Sender:  rogersCodeSender,
		Subject: rogersCodeSubject,
		Pattern: rogersCodePattern,
		Timeout: r.deps.OTPTimeout,
	})
	if err != nil {
		return err
	}

	log.Debug().Msg("Filling in two-factor authentication code")
	if err := sess.Fill(ctx, `role=textbox[name="Verification Code"]`, code); err != nil {
		return &domain.SessionError{Op: "fill code", Err: err}
	}
	if err := sess.Click(ctx, `role=button[name="Continue"]`); err != nil {
		return &domain.SessionError{Op: "submit code", Err: err}
	}
	return nil
}

// fetchTransactions re-issues the transactions API call the page makes,
// replaying its request headers, with the trailing fetch window applied.
func (r *RogersBank) fetchTransactions(ctx context.Context, sess site.Session, detail rogersAccountResponse) ([]domain.RawTransaction, error) {
	log := logger.FromContext(ctx)

	endpoint := fmt.Sprintf("%s/account/%s/customer/%s/transactions", rogersAPIBase, detail.AccountID, detail.Customer.CustomerID)
	resp, err := sess.AwaitResponse(ctx, func(u, method string) bool {
		return strings.HasPrefix(u, endpoint) && method == "GET"
	})
	if err != nil {
		return nil, &domain.SessionError{Op: "await transactions", Err: err}
	}

	params := url.Values{}
	params.Set("fromDate", r.deps.fetchFrom())
	params.Set("toDate", r.deps.fetchTo())

	var parsed rogersActivityResponse
	if err := getJSON(ctx, r.deps.httpClient(), "GET", endpoint+"?"+params.Encode(), resp.RequestHeaders, nil, &parsed); err != nil {
		return nil, err
	}

	txns := make([]domain.RawTransaction, 0, len(parsed.Activities))
	for _, row := range parsed.Activities {
		// Only approved purchases/credits count; pending auths and fees in
		// other states are excluded.
		if row.ActivityType != "TRANS" || row.ActivityStatus != "APPROVED" {
			continue
		}
		txn, err := row.raw()
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	log.Info().Str("account", detail.label()).Int("transactions", len(txns)).Msg("Fetched transactions")
	return txns, nil
}

// ---- wire shapes ----

type rogersAccountResponse struct {
	AccountID   string `json:"accountId"`
	ProductName string `json:"productName"`
	CurrentBalance struct {
		Value decimal.Decimal `json:"value"`
	} `json:"currentBalance"`
	Customer struct {
		CustomerID string `json:"customerId"`
	} `json:"customer"`
}

func (a rogersAccountResponse) label() string {
	return fmt.Sprintf("%s (%s)", a.ProductName, a.AccountID)
}

func (a rogersAccountResponse) raw() domain.RawAccount {
	return domain.RawAccount{
		Number:     a.AccountID,
		Label:      a.label(),
		Balance:    a.CurrentBalance.Value,
		Liability:  true, // Rogers Bank only issues credit cards
		CustomerID: a.Customer.CustomerID,
	}
}

type rogersActivityResponse struct {
	Activities []rogersActivity `json:"activities"`
}

type rogersActivity struct {
	ActivityType   string `json:"activityType"`
	ActivityStatus string `json:"activityStatus"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	PostedDate     string `json:"postedDate"`
	Amount         struct {
		Value decimal.Decimal `json:"value"`
	} `json:"amount"`
	Merchant struct {
		Name string `json:"name"`
	} `json:"merchant"`
}

// raw maps a card activity row: native amounts report charges positive, so
// purchases become spend and negatives become credits.
func (a rogersActivity) raw() (domain.RawTransaction, error) {
	date, err := civil.ParseDate(a.Date)
	if err != nil {
		return domain.RawTransaction{}, fmt.Errorf("parsing activity date %q: %w", a.Date, err)
	}
	var posted civil.Date
	if a.PostedDate != "" {
		posted, err = civil.ParseDate(a.PostedDate)
		if err != nil {
			return domain.RawTransaction{}, fmt.Errorf("parsing posted date %q: %w", a.PostedDate, err)
		}
	}
	return domain.RawTransaction{
		Date:        date,
		PostedDate:  posted,
		Description: a.Merchant.Name,
		Amount:      a.Amount.Value,
		Credit:      a.Amount.Value.IsNegative(),
	}, nil
}
