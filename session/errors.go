package session

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoRefreshToken is returned when a refresh is needed but the store holds no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshTokenExpired indicates that the refresh token has expired or is invalid
	ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

	// ErrNoSession is returned by TokenSource when nothing is stored.
	ErrNoSession = errors.New("no active session")
)

// TransportError reports that the underlying round trip failed before any
// response was received (DNS, connection refused, TLS, ...).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthenticationExpiredError means the refresh token was missing or rejected.
// The session has been torn down by the time this error is observed.
type AuthenticationExpiredError struct {
	Err error
}

func (e *AuthenticationExpiredError) Error() string {
	return fmt.Sprintf("authentication expired: %v", e.Err)
}

func (e *AuthenticationExpiredError) Unwrap() error { return e.Err }

// APIError is a non-success HTTP response that the retry path did not resolve.
type APIError struct {
	Message string
	Status  int
	// Errors holds field-level validation messages keyed by field name.
	Errors map[string][]string
	// Response is the original response. Its body has been read and replaced
	// with an in-memory copy so it can still be consumed.
	Response *http.Response
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// SessionExpiredError is returned when a request was rejected with 401 and
// refreshing the session failed. It is distinct from APIError so callers can
// ask the user to log in again.
type SessionExpiredError struct {
	Err error
}

func (e *SessionExpiredError) Error() string {
	return "session expired, please log in again"
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

// IsSessionExpired reports whether err (or anything it wraps) is a SessionExpiredError.
func IsSessionExpired(err error) bool {
	var sessionErr *SessionExpiredError
	return errors.As(err, &sessionErr)
}

// StatusCode extracts the HTTP status from an APIError chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
