package site

import "testing"

func TestCookieValue(t *testing.T) {
	cookies := []Cookie{
		{Name: "XSRF-TOKEN", Value: "abc123"},
		{Name: "session", Value: "s-1"},
	}

	got, err := CookieValue(cookies, "XSRF-TOKEN")
	if err != nil {
		t.Fatalf("CookieValue: unexpected error: %v", err)
	}
	if got != "abc123" {
		t.Errorf("CookieValue = %s, want abc123", got)
	}

	if _, err := CookieValue(cookies, "missing"); err == nil {
		t.Error("Expected error for missing cookie")
	}
}

func TestCookieHeader(t *testing.T) {
	cookies := []Cookie{
		{Name: "a", Value: "1"},
		{Name: "b", Value: "2"},
	}
	if got := CookieHeader(cookies); got != "a=1; b=2" {
		t.Errorf("CookieHeader = %q, want %q", got, "a=1; b=2")
	}

	if got := CookieHeader(nil); got != "" {
		t.Errorf("CookieHeader(nil) = %q, want empty", got)
	}
}
