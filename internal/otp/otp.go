// Package otp retrieves out-of-band verification codes delivered to an
// email or SMS inbox during a login flow. The poll loop is the only
// unbounded-wait construct in the engine; it is bounded solely by the
// request timeout so a stuck run terminates deterministically.
package otp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fredericksapp/banksync/internal/domain"
	"github.com/fredericksapp/banksync/internal/logger"
)

// CodePattern matches the 6- or 8-digit numeric codes institutions send.
var CodePattern = regexp.MustCompile(`\b\d{6}\b|\b\d{8}\b`)

// Channel selects the delivery medium for a verification code.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Request describes one code retrieval. After must be the time the
// challenge was issued, never earlier, so a stale prior code can't match.
type Request struct {
	Channel Channel
	After   time.Time
	Sender  string
	Subject string
	// Pattern overrides CodePattern for institutions with a fixed code
	// length (Rogers Bank sends 8 digits).
	Pattern *regexp.Regexp
	// Timeout bounds the whole retrieval. Zero means the retriever default.
	Timeout time.Duration
}

// Message is one decoded inbox message.
type Message struct {
	ID       string
	Sender   string
	Received time.Time
	Text     string
}

// Query narrows a Source lookup.
type Query struct {
	After   time.Time
	Sender  string
	Subject string
}

// Source queries a mail or SMS provider for messages matching a query,
// newest first. Delete is best-effort cleanup after a code is consumed.
type Source interface {
	Messages(ctx context.Context, q Query) ([]Message, error)
	Delete(ctx context.Context, id string) error
}

// CodeFetcher is the contract the authenticators depend on.
type CodeFetcher interface {
	FetchCode(ctx context.Context, req Request) (string, error)
}

// Retriever polls the configured sources until a code arrives or the
// timeout elapses. Waiting for a real email/SMS dominates end-to-end
// latency, so the retry count is effectively unbounded.
type Retriever struct {
	Email Source
	SMS   Source

	// Interval between polls. Defaults to one second.
	Interval time.Duration
	// MaxMessageAge rejects messages that predate the run by too much even
	// when they pass the After filter. Defaults to five minutes.
	MaxMessageAge time.Duration
	// Timeout is the default overall bound. Defaults to one minute.
	Timeout time.Duration
}

const (
	defaultInterval      = time.Second
	defaultMaxMessageAge = 5 * time.Minute
	defaultTimeout       = time.Minute
)

// FetchCode polls the channel's source for the most recent matching message
// and extracts the verification code from its decoded body. It fails with
// domain.ErrCodeNotFound when no usable code appears within the timeout.
func (r *Retriever) FetchCode(ctx context.Context, req Request) (string, error) {
	src, err := r.source(req.Channel)
	if err != nil {
		return "", err
	}

	pattern := req.Pattern
	if pattern == nil {
		pattern = CodePattern
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	maxAge := r.MaxMessageAge
	if maxAge <= 0 {
		maxAge = defaultMaxMessageAge
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logger.FromContext(ctx)
	q := Query{After: req.After, Sender: req.Sender, Subject: req.Subject}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sawMessage := false
	for {
		code, saw, err := r.poll(ctx, src, q, pattern, maxAge)
		if err == nil && code != "" {
			return code, nil
		}
		if saw {
			sawMessage = true
		}
		if err != nil {
			// Provider hiccups are expected mid-poll; keep going until the
			// deadline decides.
			log.Debug().Err(err).Msg("Code poll attempt failed, retrying")
		}

		select {
		case <-ctx.Done():
			if sawMessage {
				return "", fmt.Errorf("%w: matching message carried no recognizable code", domain.ErrCodeNotFound)
			}
			return "", fmt.Errorf("%w: no matching message within %s", domain.ErrCodeNotFound, timeout)
		case <-ticker.C:
		}
	}
}

func (r *Retriever) poll(ctx context.Context, src Source, q Query, pattern *regexp.Regexp, maxAge time.Duration) (string, bool, error) {
	log := logger.FromContext(ctx)

	msgs, err := src.Messages(ctx, q)
	if err != nil {
		return "", false, err
	}

	saw := false
	now := time.Now()
	for _, msg := range msgs {
		if msg.Received.Before(q.After) {
			continue
		}
		if now.Sub(msg.Received) > maxAge {
			log.Debug().Str("message_id", msg.ID).Msg("Message older than max age, skipping")
			continue
		}
		saw = true

		code := pattern.FindString(msg.Text)
		if code == "" {
			continue
		}

		log.Debug().Str("message_id", msg.ID).Msg("Found verification code, deleting message")
		if err := src.Delete(ctx, msg.ID); err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to delete consumed message")
		}
		return code, saw, nil
	}
	return "", saw, nil
}

func (r *Retriever) source(ch Channel) (Source, error) {
	switch ch {
	case ChannelEmail:
		if r.Email == nil {
			return nil, errors.New("email code source not configured")
		}
		return r.Email, nil
	case ChannelSMS:
		if r.SMS == nil {
			return nil, errors.New("sms code source not configured")
		}
		return r.SMS, nil
	default:
		return nil, fmt.Errorf("unknown code channel %q", ch)
	}
}
