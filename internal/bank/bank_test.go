package bank

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fredericksapp/banksync/internal/domain"
	"github.com/fredericksapp/banksync/internal/otp"
	"github.com/fredericksapp/banksync/internal/site"
)

var testNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

// fakeSession scripts the page side of a login flow: queued responses are
// matched in order against AwaitResponse predicates, scripted page URLs
// against AwaitURL predicates, and interactions are recorded for assertion.
type fakeSession struct {
	mu        sync.Mutex
	navigated []string
	filled    map[string]string
	clicked   []string
	queue     []*site.Response
	urls      []string
	cookies   []site.Cookie
}

func newFakeSession(responses ...*site.Response) *fakeSession {
	return &fakeSession{filled: map[string]string{}, queue: responses}
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigated = append(s.navigated, url)
	return nil
}

func (s *fakeSession) Fill(ctx context.Context, locator, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filled[locator] = value
	return nil
}

func (s *fakeSession) Click(ctx context.Context, locator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicked = append(s.clicked, locator)
	return nil
}

func (s *fakeSession) AwaitResponse(ctx context.Context, pred func(url, method string) bool) (*site.Response, error) {
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

func (s *fakeSession) AwaitURL(ctx context.Context, pred func(url string) bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.urls {
		if pred(u) {
			s.urls = append(s.urls[:i], s.urls[i+1:]...)
			return u, nil
		}
	}
	return "", errors.New("no matching url")
}

func (s *fakeSession) Cookies(ctx context.Context) ([]site.Cookie, error) {
	return s.cookies, nil
}

func (s *fakeSession) Close(ctx context.Context, tracePath string) error {
	return nil
}

func (s *fakeSession) clickedLocator(locator string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clicked {
		if c == locator {
			return true
		}
	}
	return false
}

// fakeCodes returns a canned verification code and records the request.
type fakeCodes struct {
	code string
	err  error

	mu       sync.Mutex
	requests []otp.Request
}

func (f *fakeCodes) FetchCode(ctx context.Context, req otp.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return f.code, nil
}

func (f *fakeCodes) lastRequest(t *testing.T) otp.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests, "expected a code fetch")
	return f.requests[len(f.requests)-1]
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func stubHTTP(fn roundTripperFunc) *http.Client {
	return &http.Client{Transport: fn}
}

func TestForInstitution(t *testing.T) {
	for _, inst := range []domain.Institution{
		domain.InstitutionBMO,
		domain.InstitutionTangerine,
		domain.InstitutionRogersBank,
		domain.InstitutionManulife,
		domain.InstitutionNBDB,
	} {
		auth, err := ForInstitution(inst, Deps{Now: testNow})
		require.NoError(t, err, inst)
		assert.Equal(t, inst, auth.Institution())
	}

	_, err := ForInstitution(domain.Institution("scotiabank"), Deps{})
	require.Error(t, err)
}

func TestDepsFetchWindow(t *testing.T) {
	d := Deps{Now: testNow}
	assert.Equal(t, "2026-08-20", d.fetchFrom())
	assert.Equal(t, "2026-08-30", d.fetchTo())
}
