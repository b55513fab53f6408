package runner

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fredericksapp/banksync/internal/bank"
	"github.com/fredericksapp/banksync/internal/domain"
	"github.com/fredericksapp/banksync/internal/notify"
	"github.com/fredericksapp/banksync/internal/site"
	"github.com/fredericksapp/banksync/internal/ynab"
)

// scriptedSession replays queued responses and records how it was closed.
type scriptedSession struct {
	mu        sync.Mutex
	queue     []*site.Response
	tracePath string
	closed    bool
}

func (s *scriptedSession) Navigate(ctx context.Context, url string) error        { return nil }
func (s *scriptedSession) Fill(ctx context.Context, locator, value string) error { return nil }
func (s *scriptedSession) Click(ctx context.Context, locator string) error       { return nil }
func (s *scriptedSession) Cookies(ctx context.Context) ([]site.Cookie, error)    { return nil, nil }

func (s *scriptedSession) AwaitResponse(ctx context.Context, pred func(url, method string) bool) (*site.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, resp := range s.queue {
		if pred(resp.URL, resp.Method) {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return resp, nil
		}
	}
	return nil, errors.New("no matching response")
}

func (s *scriptedSession) AwaitURL(ctx context.Context, pred func(url string) bool) (string, error) {
	return "", errors.New("no matching url")
}

func (s *scriptedSession) Close(ctx context.Context, tracePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tracePath = tracePath
	if tracePath != "" {
		return os.WriteFile(tracePath, []byte("trace-zip"), 0o600)
	}
	return nil
}

type sessionFactory struct {
	session site.Session
	err     error
}

func (f *sessionFactory) NewSession(ctx context.Context) (site.Session, error) {
	return f.session, f.err
}

type recordingLedger struct {
	accounts []ynab.Account
	created  [][]ynab.Transaction
}

func (l *recordingLedger) Accounts(ctx context.Context, budgetID string) ([]ynab.Account, error) {
	return l.accounts, nil
}

func (l *recordingLedger) CreateTransactions(ctx context.Context, budgetID string, txns []ynab.Transaction) (*ynab.CreateResult, error) {
	l.created = append(l.created, txns)
	return &ynab.CreateResult{}, nil
}

type recordingStore struct {
	saved []string
}

func (s *recordingStore) Save(ctx context.Context, objectName, contentType string, data []byte) (string, error) {
	s.saved = append(s.saved, objectName)
	return "gs://traces/" + objectName, nil
}

type recordingNotifier struct {
	messages []notify.Message
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Message) error {
	n.messages = append(n.messages, msg)
	return nil
}

const nbdbSummaryBody = `{"data":{"portfolioSummaryList":[{"accountSummaries":[
	{"acctNo":"ABC123","acctTypeDesc":"TFSA","accountSummaryEvalByCurrency":{"CAD":{"total":150.25}}}
]}]}}`

func nbdbSession() *scriptedSession {
	return &scriptedSession{queue: []*site.Response{
		{URL: "https://api.bnc.ca/bnc/prod-okta/sso/api/v1/authn", Method: "POST", Body: []byte(`{"status":"SUCCESS"}`)},
		{URL: "https://iiroc.investments.apis.bnc.ca/orion-api/v1/1/portfolios/summary", Method: "GET", Body: []byte(nbdbSummaryBody)},
	}}
}

func testRunner(sess site.Session, ledger ynab.LedgerService) (*Runner, *recordingStore, *recordingNotifier) {
	store := &recordingStore{}
	notifier := &recordingNotifier{}
	r := &Runner{
		Sessions:  &sessionFactory{session: sess},
		Ledger:    ledger,
		Artifacts: store,
		Notifier:  notifier,
		Credentials: map[domain.Institution]bank.Credentials{
			domain.InstitutionNBDB: {Username: "user", Password: "pw"},
		},
		BudgetID:  "budget-1",
		Namespace: uuid.NameSpaceURL,
		TZ:        time.UTC,
	}
	return r, store, notifier
}

func TestRun_BalanceOnlyInstitution(t *testing.T) {
	sess := nbdbSession()
	ledger := &recordingLedger{accounts: []ynab.Account{
		{ID: "ledger-1", Note: domain.AccountID(uuid.NameSpaceURL, "ABC123"), ClearedBalance: 100000},
	}}
	r, store, notifier := testRunner(sess, ledger)

	err := r.Run(context.Background(), domain.InstitutionNBDB)
	require.NoError(t, err)

	require.Len(t, ledger.created, 1)
	require.Len(t, ledger.created[0], 1)
	assert.Equal(t, int64(50250), ledger.created[0][0].Amount)
	assert.Equal(t, ynab.BalanceAdjustmentPayee, ledger.created[0][0].PayeeName)

	assert.True(t, sess.closed)
	assert.Empty(t, sess.tracePath, "successful runs save no trace")
	assert.Empty(t, store.saved)
	assert.Empty(t, notifier.messages)
}

func TestRun_FailureIsReportedOnceWithTrace(t *testing.T) {
	// No queued responses: the login's first awaited response fails.
	sess := &scriptedSession{}
	r, store, notifier := testRunner(sess, &recordingLedger{})

	err := r.Run(context.Background(), domain.InstitutionNBDB)
	require.Error(t, err)

	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)

	require.Len(t, store.saved, 1)
	assert.Contains(t, store.saved[0], "nbdb")

	require.Len(t, notifier.messages, 1)
	msg := notifier.messages[0]
	assert.Equal(t, "Error Logging Into NBDB", msg.Title)
	assert.Equal(t, "gs://traces/"+store.saved[0], msg.URL)
	assert.Equal(t, -1, msg.Priority)

	assert.True(t, sess.closed)
	assert.NotEmpty(t, sess.tracePath)
}

func TestRun_SessionAcquisitionFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	r := &Runner{
		Sessions: &sessionFactory{err: errors.New("browser did not start")},
		Notifier: notifier,
	}

	err := r.Run(context.Background(), domain.InstitutionBMO)
	require.Error(t, err)

	var sessErr *domain.SessionError
	require.ErrorAs(t, err, &sessErr)
	require.Len(t, notifier.messages, 1)
	assert.Equal(t, "Error Logging Into BMO", notifier.messages[0].Title)
	assert.Empty(t, notifier.messages[0].URL, "no session means no trace")
}

func TestRun_MissingCredentials(t *testing.T) {
	sess := nbdbSession()
	r, _, _ := testRunner(sess, &recordingLedger{})

	err := r.Run(context.Background(), domain.InstitutionTangerine)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials configured")
}

func TestRunAll_FailuresAreIndependent(t *testing.T) {
	r, _, notifier := testRunner(&scriptedSession{}, &recordingLedger{})
	r.Credentials[domain.InstitutionManulife] = bank.Credentials{Username: "u", Password: "p"}

	err := r.RunAll(context.Background(), []domain.Institution{
		domain.InstitutionNBDB,
		domain.InstitutionManulife,
	})
	require.Error(t, err)

	// Both institutions ran and reported despite both failing.
	require.Len(t, notifier.messages, 2)
	assert.Equal(t, "Error Logging Into NBDB", notifier.messages[0].Title)
	assert.Equal(t, "Error Logging Into Manulife Bank", notifier.messages[1].Title)
}
