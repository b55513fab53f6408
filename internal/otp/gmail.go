package otp

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailSource reads verification emails from a Gmail inbox using a service
// account with domain-wide delegation to the configured user.
type GmailSource struct {
	svc *gmail.Service
}

// NewGmailSource builds a GmailSource from a service account key, acting as
// userEmail.
func NewGmailSource(ctx context.Context, serviceAccountKey []byte, userEmail string) (*GmailSource, error) {
	cfg, err := google.JWTConfigFromJSON(serviceAccountKey, gmail.MailGoogleComScope)
	if err != nil {
		return nil, fmt.Errorf("parsing service account key: %w", err)
	}
	cfg.Subject = userEmail

	svc, err := gmail.NewService(ctx, option.WithTokenSource(cfg.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return &GmailSource{svc: svc}, nil
}

// Messages lists inbox messages matching the query's sender and subject
// filters and returns them with decoded plain-text bodies.
func (g *GmailSource) Messages(ctx context.Context, q Query) ([]Message, error) {
	query := "in:inbox"
	if q.Sender != "" {
		query += " from:" + q.Sender
	}
	if q.Subject != "" {
		query += fmt.Sprintf(" subject:(%q)", q.Subject)
	}

	list, err := g.svc.Users.Messages.List("me").Q(query).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	var msgs []Message
	for _, ref := range list.Messages {
		detail, err := g.svc.Users.Messages.Get("me", ref.Id).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("fetching message %s: %w", ref.Id, err)
		}
		if detail.Payload == nil {
			continue
		}
		text := partText(detail.Payload)
		if text == "" {
			continue
		}
		msgs = append(msgs, Message{
			ID:       detail.Id,
			Received: time.UnixMilli(detail.InternalDate),
			Text:     text,
		})
	}
	return msgs, nil
}

// Delete removes a consumed verification email from the inbox.
func (g *GmailSource) Delete(ctx context.Context, id string) error {
	if err := g.svc.Users.Messages.Delete("me", id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	return nil
}

// partText walks a MIME tree and returns the first decoded text body,
// preferring text/plain over text/html within multipart/alternative.
// HTML bodies are converted to plain text before matching.
func partText(part *gmail.MessagePart) string {
	if part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data)
		if err != nil {
			return ""
		}
		if part.MimeType == "text/html" {
			return htmlToText(string(data))
		}
		return string(data)
	}

	if part.MimeType == "multipart/alternative" {
		for _, want := range []string{"text/plain", "text/html"} {
			for _, sub := range part.Parts {
				if sub.MimeType != want {
					continue
				}
				if text := partText(sub); text != "" {
					return text
				}
			}
		}
	}

	for _, sub := range part.Parts {
		if text := partText(sub); text != "" {
			return text
		}
	}
	return ""
}
