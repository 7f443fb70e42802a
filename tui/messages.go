package tui

import (
	"time"

	"github.com/go-authgate/authfetch/session"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionFound signals that a persisted session was loaded.
type MsgSessionFound struct{ ExpiresAt *time.Time }

// MsgNoSession signals that no session is stored.
type MsgNoSession struct{}

// MsgAccessTokenRejected signals that the access token was rejected (401).
type MsgAccessTokenRejected struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgTokenRefreshedRetrying signals that the token was refreshed and a retry is starting.
type MsgTokenRefreshedRetrying struct{}

// MsgTokenSaveFailed signals that persisting tokens failed.
type MsgTokenSaveFailed struct{ Err error }

// MsgSessionExpired signals that the session was torn down.
type MsgSessionExpired struct{}

// MsgLoggedIn signals a successful login or registration.
type MsgLoggedIn struct{ User *session.User }

// MsgLoggedOut signals that the session was cleared.
type MsgLoggedOut struct{}

// MsgUserInfo carries the user returned by the "me" endpoint.
type MsgUserInfo struct{ User *session.User }

// MsgTokenStatus describes the stored token pair.
type MsgTokenStatus struct {
	Preview         string
	HasRefreshToken bool
	ExpiresAt       *time.Time
}

// MsgFetchDone signals that an authenticated request completed.
type MsgFetchDone struct {
	Method string
	URL    string
	Status int
	Bytes  int64
}

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
