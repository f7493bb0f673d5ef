package service

import (
	"errors"
	"fmt"
)

// FailureKind names why an authentication attempt was refused. Every kind is
// reported to callers as plain "unauthorized"; the kind itself is for logs
// and metrics.
type FailureKind string

const (
	KindInvalidCredentials FailureKind = "invalid_credentials"
	KindInvalidToken       FailureKind = "invalid_token"
	KindExpired            FailureKind = "expired"
	KindReuseDetected      FailureKind = "reuse_detected"
)

type AuthError struct {
	Kind FailureKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches any AuthError sentinel of the same kind.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrInvalidCredentials = &AuthError{Kind: KindInvalidCredentials}
	ErrTokenInvalid       = &AuthError{Kind: KindInvalidToken}
	ErrTokenExpired       = &AuthError{Kind: KindExpired}
	ErrReuseDetected      = &AuthError{Kind: KindReuseDetected}

	// ErrStoreUnavailable marks I/O or timeout failures against a store.
	// Callers should retry the whole request rather than resubmit a refresh
	// token that may already have been consumed.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

var (
	ErrInvalidSigningMethod = errors.New("invalid signing method")
	ErrAccessTokenInvalid   = errors.New("access token invalid")
	ErrAccessTokenRevoked   = errors.New("access token revoked")
)

func authFailure(kind FailureKind, cause error) error {
	return &AuthError{Kind: kind, Err: cause}
}

// FailureKindOf extracts the failure kind from err.
func FailureKindOf(err error) (FailureKind, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind, true
	}
	return "", false
}

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
