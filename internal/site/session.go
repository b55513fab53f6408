// Package site defines the abstract browsing capability the authenticators
// drive. Implementations wrap a real browser; the engine only depends on
// this shape.
package site

import (
	"context"
	"fmt"
	"strings"
)

// Response is a captured network response together with the headers its
// request was sent with. Authenticators replay those headers when calling
// the institution's API directly.
type Response struct {
	URL            string
	Method         string
	Status         int
	Body           []byte
	RequestHeaders map[string]string
}

// Cookie is a single browser cookie.
type Cookie struct {
	Name  string
	Value string
}

// Session is one logged-in browsing context owned by a single institution
// run. All waits honor ctx cancellation.
type Session interface {
	// Navigate loads the given URL.
	Navigate(ctx context.Context, url string) error

	// Fill types value into the field identified by locator.
	Fill(ctx context.Context, locator, value string) error

	// Click activates the element identified by locator.
	Click(ctx context.Context, locator string) error

	// AwaitResponse blocks until a network response matching pred is
	// observed, or the context is done.
	AwaitResponse(ctx context.Context, pred func(url, method string) bool) (*Response, error)

	// AwaitURL blocks until the page location matches pred and returns the
	// matching URL. Unlike AwaitResponse it also observes same-document
	// navigations, such as fragment route changes, which issue no network
	// request.
	AwaitURL(ctx context.Context, pred func(url string) bool) (string, error)

	// Cookies returns the session's current cookies.
	Cookies(ctx context.Context) ([]Cookie, error)

	// Close releases the browsing context. When tracePath is non-empty the
	// session trace is written there before closing.
	Close(ctx context.Context, tracePath string) error
}

// Factory creates a fresh session per institution run.
type Factory interface {
	NewSession(ctx context.Context) (Session, error)
}

// CookieValue returns the value of the named cookie.
func CookieValue(cookies []Cookie, name string) (string, error) {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value, nil
		}
	}
	return "", fmt.Errorf("cookie %q not found", name)
}

// CookieHeader renders cookies as a Cookie request header value.
func CookieHeader(cookies []Cookie) string {
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}
