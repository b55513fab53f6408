// Package notify delivers failure notifications through Pushover.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fredericksapp/banksync/internal/logger"
)

// DefaultEndpoint is the Pushover messages API.
const DefaultEndpoint = "https://api.pushover.net/1/messages.json"

// Message is one notification.
type Message struct {
	Title    string
	Body     string
	URL      string
	URLTitle string
	Priority int
}

// Notifier sends operator notifications. Failures in notification delivery
// are reported but must never mask the error being notified about.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Pushover sends notifications through the Pushover API.
type Pushover struct {
	Token string
	User  string

	// Endpoint may be overridden in tests. Empty means DefaultEndpoint.
	Endpoint string
	// HTTPClient may be overridden in tests. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

type pushoverResponse struct {
	Status int `json:"status"`
}

// Send posts the message as a form payload.
func (p *Pushover) Send(ctx context.Context, msg Message) error {
	log := logger.FromContext(ctx)
	log.Debug().Str("title", msg.Title).Msg("Sending notification to Pushover")

	form := url.Values{}
	form.Set("token", p.Token)
	form.Set("user", p.User)
	form.Set("message", msg.Body)
	if msg.Title != "" {
		form.Set("title", msg.Title)
	}
	if msg.URL != "" {
		form.Set("url", msg.URL)
		form.Set("url_title", msg.URLTitle)
	}
	if msg.Priority != 0 {
		form.Set("priority", strconv.Itoa(msg.Priority))
	}

	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer resp.Body.Close()

	var parsed pushoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decoding notification response: %w", err)
	}
	if parsed.Status != 1 {
		return fmt.Errorf("pushover rejected notification: status %d", parsed.Status)
	}

	log.Debug().Msg("Sent notification to Pushover")
	return nil
}
