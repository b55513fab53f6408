package domain

import (
	"errors"
	"fmt"
)

// ErrCodeNotFound is returned when out-of-band code polling exhausts its
// timeout or a matching message carries no recognizable code.
var ErrCodeNotFound = errors.New("verification code not found")

// AuthError is an institution-run-fatal login failure: bad credentials, an
// unexpected response shape, or a failed code verification. It is never
// retried at this layer; repeated failed logins risk account lockout.
type AuthError struct {
	Institution Institution
	Err         error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticating with %s: %v", e.Institution.DisplayName(), e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SessionError wraps a failure of the underlying site session (navigation,
// element interaction, or a timed-out network wait).
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("site session %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// ReconcileError reports a ledger submission the API rejected. Whatever
// subset the ledger accepted before failing stands; nothing is rolled back
// or retried.
type ReconcileError struct {
	Err error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconciling with ledger: %v", e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }
