package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/authfetch/session"
)

// previewLen is how much of an access token is ever printed.
const previewLen = 20

// Displayer abstracts all output of the CLI. It receives the session
// pipeline's progress through the embedded session.Reporter.
type Displayer interface {
	session.Reporter

	Banner()
	SessionFound(expiresAt *time.Time)
	NoSession()
	LoggedIn(user *session.User)
	LoggedOut()
	UserInfo(user *session.User)
	TokenStatus(pair *session.TokenPair)
	FetchDone(method, url string, status int, bytes int64)
	Fatal(err error)
}

// TokenPreview returns the printable prefix of an access token.
func TokenPreview(token string) string {
	if len(token) > previewLen {
		return token[:previewLen]
	}
	return token
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *PlainDisplayer) Banner() {
	p.printf("=== authfetch: authenticated API client ===\n\n")
}

func (p *PlainDisplayer) SessionFound(expiresAt *time.Time) {
	if expiresAt == nil {
		p.printf("Found existing session (no expiry)\n")
		return
	}
	if time.Now().Before(*expiresAt) {
		p.printf("Found existing session, access token valid for %s\n",
			time.Until(*expiresAt).Round(time.Second))
		return
	}
	p.printf("Found existing session, access token expired\n")
}

func (p *PlainDisplayer) NoSession() {
	p.printf("No session stored. Run `authfetch login` first.\n")
}

func (p *PlainDisplayer) AccessTokenRejected() {
	p.printf("Access token rejected (401), refreshing...\n")
}

func (p *PlainDisplayer) Refreshing() {
	p.printf("Refreshing access token...\n")
}

func (p *PlainDisplayer) RefreshOK() {
	p.printf("Token refreshed successfully!\n")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	p.printf("Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) TokenRefreshedRetrying() {
	p.printf("Token refreshed, retrying request...\n")
}

func (p *PlainDisplayer) TokenSaveFailed(err error) {
	p.printf("Warning: Failed to save tokens: %v\n", err)
}

func (p *PlainDisplayer) SessionExpired() {
	p.printf("Session expired, please log in again.\n")
}

func (p *PlainDisplayer) LoggedIn(user *session.User) {
	if user == nil {
		p.printf("\nLogin successful!\n")
		return
	}
	p.printf("\nLogged in as %s\n", user.Username)
}

func (p *PlainDisplayer) LoggedOut() {
	p.printf("Logged out, session cleared.\n")
}

func (p *PlainDisplayer) UserInfo(user *session.User) {
	var b strings.Builder
	b.WriteString("\n========================================\n")
	b.WriteString("Current User:\n")
	fmt.Fprintf(&b, "Username: %s\n", user.Username)
	fmt.Fprintf(&b, "Email: %s\n", user.Email)
	if len(user.Roles) > 0 {
		fmt.Fprintf(&b, "Roles: %s\n", strings.Join(user.Roles, ", "))
	}
	b.WriteString("========================================\n")
	p.printf("%s", b.String())
}

func (p *PlainDisplayer) TokenStatus(pair *session.TokenPair) {
	var b strings.Builder
	b.WriteString("\n========================================\n")
	b.WriteString("Current Token Info:\n")
	fmt.Fprintf(&b, "Access Token: %s...\n", TokenPreview(pair.AccessToken))
	fmt.Fprintf(&b, "Refresh Token: %t\n", pair.HasRefreshToken())
	if pair.ExpiresAt != nil {
		fmt.Fprintf(&b, "Expires In: %s\n", max(time.Until(*pair.ExpiresAt), 0).Round(time.Second))
	} else {
		b.WriteString("Expires In: unknown\n")
	}
	b.WriteString("========================================\n")
	p.printf("%s", b.String())
}

func (p *PlainDisplayer) FetchDone(method, url string, status int, bytes int64) {
	p.printf("%s %s -> %d (%d bytes)\n", method, url, status, bytes)
}

func (p *PlainDisplayer) Fatal(err error) {
	p.printf("Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct {
	session.NoopReporter
}

func (NoopDisplayer) Banner()                               {}
func (NoopDisplayer) SessionFound(_ *time.Time)             {}
func (NoopDisplayer) NoSession()                            {}
func (NoopDisplayer) LoggedIn(_ *session.User)              {}
func (NoopDisplayer) LoggedOut()                            {}
func (NoopDisplayer) UserInfo(_ *session.User)              {}
func (NoopDisplayer) TokenStatus(_ *session.TokenPair)      {}
func (NoopDisplayer) FetchDone(_, _ string, _ int, _ int64) {}
func (NoopDisplayer) Fatal(_ error)                         {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionFound(expiresAt *time.Time) {
	t.p.Send(MsgSessionFound{ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) NoSession() {
	t.p.Send(MsgNoSession{})
}

func (t *ProgramDisplayer) AccessTokenRejected() {
	t.p.Send(MsgAccessTokenRejected{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) TokenRefreshedRetrying() {
	t.p.Send(MsgTokenRefreshedRetrying{})
}

func (t *ProgramDisplayer) TokenSaveFailed(err error) {
	t.p.Send(MsgTokenSaveFailed{Err: err})
}

func (t *ProgramDisplayer) SessionExpired() {
	t.p.Send(MsgSessionExpired{})
}

func (t *ProgramDisplayer) LoggedIn(user *session.User) {
	t.p.Send(MsgLoggedIn{User: user})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) UserInfo(user *session.User) {
	t.p.Send(MsgUserInfo{User: user})
}

func (t *ProgramDisplayer) TokenStatus(pair *session.TokenPair) {
	t.p.Send(MsgTokenStatus{
		Preview:         TokenPreview(pair.AccessToken),
		HasRefreshToken: pair.HasRefreshToken(),
		ExpiresAt:       pair.ExpiresAt,
	})
}

func (t *ProgramDisplayer) FetchDone(method, url string, status int, bytes int64) {
	t.p.Send(MsgFetchDone{Method: method, URL: url, Status: status, Bytes: bytes})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
