package otp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SMSSource reads verification texts from the SMS relay service, which
// exposes received messages over an API-key-protected HTTP endpoint.
type SMSSource struct {
	BaseURL string
	APIKey  string

	// HTTPClient may be overridden in tests. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

type smsMessage struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Messages fetches texts received after q.After, optionally narrowed to a
// sender. The relay has no subject concept; q.Subject is ignored.
func (s *SMSSource) Messages(ctx context.Context, q Query) ([]Message, error) {
	params := url.Values{}
	params.Set("after", strconv.FormatInt(q.After.UnixMilli(), 10))
	if q.Sender != "" {
		params.Set("sender", q.Sender)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/messages?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building messages request: %w", err)
	}
	req.Header.Set("X-API-Key", s.APIKey)

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("messages endpoint returned %d: %s", resp.StatusCode, body)
	}

	var raw []smsMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding messages response: %w", err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, m := range raw {
		msgs = append(msgs, Message{
			ID:       m.ID,
			Sender:   m.From,
			Received: m.CreatedAt,
			Text:     m.Text,
		})
	}
	return msgs, nil
}

// Delete is a no-op: the relay expires messages on its own.
func (s *SMSSource) Delete(ctx context.Context, id string) error {
	return nil
}

func (s *SMSSource) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}
