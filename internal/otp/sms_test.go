package otp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMSSource_Messages(t *testing.T) {
	var gotQuery map[string]string
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		gotKey = r.Header.Get("X-API-Key")
		gotQuery = map[string]string{
			"after":  r.URL.Query().Get("after"),
			"sender": r.URL.Query().Get("sender"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"42","to":"+15550001111","from":"tangerine","text":"Your code is 654321","created_at":"2026-08-30T12:00:05Z"}]`))
	}))
	defer srv.Close()

	src := &SMSSource{BaseURL: srv.URL, APIKey: "secret"}
	after := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	msgs, err := src.Messages(context.Background(), Query{After: after, Sender: "tangerine"})
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "1788091200000", gotQuery["after"])
	assert.Equal(t, "tangerine", gotQuery["sender"])

	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].ID)
	assert.Equal(t, "tangerine", msgs[0].Sender)
	assert.Equal(t, "Your code is 654321", msgs[0].Text)
	assert.Equal(t, after.Add(5*time.Second), msgs[0].Received.UTC())
}

func TestSMSSource_MessagesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	src := &SMSSource{BaseURL: srv.URL, APIKey: "wrong"}
	_, err := src.Messages(context.Background(), Query{After: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
