// Package bank implements the per-institution login state machines. Each
// authenticator drives a site session through credential submission, an
// optional out-of-band challenge, and resolution into raw accounts. The
// variants share one contract but diverge completely in behavior, so they
// are independent implementations rather than layers over shared state.
package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fredericksapp/banksync/internal/domain"
	"github.com/fredericksapp/banksync/internal/otp"
	"github.com/fredericksapp/banksync/internal/site"
)

// FetchWindow is how far back transaction fetches request history. The
// normalizer applies the same trailing window again, so requesting more
// would only be discarded.
const FetchWindow = 10 * 24 * time.Hour

// Credentials holds one institution's login secrets.
type Credentials struct {
	Username string
	Password string
	// SecurityAnswers maps challenge question text to its answer for
	// institutions that interpose security questions.
	SecurityAnswers map[string]string
}

// Deps are the collaborators an authenticator needs beyond the site
// session. Now is the run's fixed timestamp.
type Deps struct {
	Codes      otp.CodeFetcher
	HTTP       *http.Client
	Now        time.Time
	OTPTimeout time.Duration
}

// Authenticator logs into one institution and resolves its raw accounts.
// Implementations never retry a failed login; repeated attempts against a
// banking site risk account lockout.
type Authenticator interface {
	Institution() domain.Institution
	Authenticate(ctx context.Context, sess site.Session, creds Credentials) ([]domain.RawAccount, error)
}

// ForInstitution returns the authenticator for inst.
func ForInstitution(inst domain.Institution, deps Deps) (Authenticator, error) {
	switch inst {
	case domain.InstitutionBMO:
		return &BMO{deps: deps}, nil
	case domain.InstitutionTangerine:
		return &Tangerine{deps: deps}, nil
	case domain.InstitutionRogersBank:
		return &RogersBank{deps: deps}, nil
	case domain.InstitutionManulife:
		return &ManulifeBank{deps: deps}, nil
	case domain.InstitutionNBDB:
		return &NBDB{deps: deps}, nil
	default:
		return nil, fmt.Errorf("no authenticator for institution %q", inst)
	}
}

func (d Deps) httpClient() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return http.DefaultClient
}

func (d Deps) fetchFrom() string {
	return d.Now.Add(-FetchWindow).Format("2006-01-02")
}

func (d Deps) fetchTo() string {
	return d.Now.Format("2006-01-02")
}

// awaitJSON waits for a response matching pred and decodes its body.
func awaitJSON(ctx context.Context, sess site.Session, pred func(url, method string) bool, out any) (*site.Response, error) {
	resp, err := sess.AwaitResponse(ctx, pred)
	if err != nil {
		return nil, &domain.SessionError{Op: "await response", Err: err}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return nil, fmt.Errorf("decoding response from %s: %w", resp.URL, err)
		}
	}
	return resp, nil
}

// getJSON issues a direct API request reusing the session's ambient
// authentication (headers captured from a browser response, or cookies).
func getJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte, out any) error {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return fmt.Errorf("building %s request: %w", url, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", url, err)
	}
	return nil
}

func authFailed(inst domain.Institution, err error) error {
	return &domain.AuthError{Institution: inst, Err: err}
}
