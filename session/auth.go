package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// AuthResponse is returned by the login and register endpoints.
type AuthResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	// ExpiresIn is the access token lifetime in seconds; 0 when unknown.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

// backendUser is the user shape served by the "me" endpoint.
type backendUser struct {
	Username struct {
		Value string `json:"value"`
	} `json:"username"`
	Email struct {
		Value string `json:"value"`
	} `json:"email"`
	Roles []struct {
		Name string `json:"name"`
	} `json:"roles"`
	UserType string `json:"userType"`
}

func (b backendUser) toUser() *User {
	u := &User{
		ID:       b.Username.Value,
		Username: b.Username.Value,
		Email:    b.Email.Value,
	}
	for _, r := range b.Roles {
		u.Roles = append(u.Roles, r.Name)
	}
	return u
}

// Login exchanges credentials for a token pair and stores it.
func (m *Manager) Login(ctx context.Context, credentials LoginRequest) (string, error) {
	return m.authenticate(ctx, m.cfg.Endpoints.Login, credentials, "Login failed. Please try again.")
}

// Register creates an account and stores the returned token pair.
func (m *Manager) Register(ctx context.Context, registration RegisterRequest) (string, error) {
	return m.authenticate(ctx, m.cfg.Endpoints.Register, registration, "Registration failed. Please try again.")
}

func (m *Manager) authenticate(ctx context.Context, path string, payload any, fallbackMsg string) (string, error) {
	m.state.SetLoading(true)
	m.state.ClearError()

	token, err := m.postForTokens(ctx, path, payload)
	if err != nil {
		msg := fallbackMsg
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			msg = apiErr.Message
		}
		m.state.SetError(msg)
		return "", err
	}

	m.state.SetLoading(false)
	return token, nil
}

func (m *Manager) postForTokens(ctx context.Context, path string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL(path), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.retryClient.DoWithContext(ctx, req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", newAPIError(resp)
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if err := validateTokenResponse(data.Token, "", data.ExpiresIn); err != nil {
		return "", fmt.Errorf("invalid token response: %w", err)
	}

	pair := TokenPair{
		AccessToken:  data.Token,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    expiresAtFrom(m.now(), data.ExpiresIn),
	}
	if err := m.store.Set(pair); err != nil {
		m.logger.Warn("failed to persist tokens", zap.Error(err))
		m.reporter.TokenSaveFailed(err)
	}

	return data.Token, nil
}

// Logout tells the server the session ends and always clears it locally.
// A failing server call is logged and otherwise ignored.
func (m *Manager) Logout(ctx context.Context) error {
	if pair := m.store.Get(); pair != nil && pair.AccessToken != "" {
		if err := m.notifyLogout(ctx, pair.AccessToken); err != nil {
			m.logger.Warn("logout request failed", zap.Error(err))
		}
	}

	err := m.store.Clear()
	m.state.Reset("")
	return err
}

func (m *Manager) notifyLogout(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL(m.cfg.Endpoints.Logout), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.retryClient.DoWithContext(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("logout returned status %d", resp.StatusCode)
	}
	return nil
}

// CurrentUser fetches the authenticated user through the Executor and
// records it in the session state.
func (m *Manager) CurrentUser(ctx context.Context) (*User, error) {
	m.state.SetLoading(true)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL(m.cfg.Endpoints.Me), nil)
	if err != nil {
		m.state.SetError(err.Error())
		return nil, err
	}

	resp, err := m.executor.Execute(req, Options{})
	if err != nil {
		if !IsSessionExpired(err) {
			m.state.SetError(err.Error())
		}
		return nil, err
	}
	defer resp.Body.Close()

	var raw backendUser
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		err = fmt.Errorf("failed to parse user: %w", err)
		m.state.SetError(err.Error())
		return nil, err
	}

	user := raw.toUser()
	m.state.SetUser(user)
	return user, nil
}

// Initialize restores the session after Start: it reports false when no
// usable session is stored or the user cannot be fetched.
//
// An expired access token is kept as long as a refresh token exists; the
// first request refreshes it.
func (m *Manager) Initialize(ctx context.Context) bool {
	pair := m.store.Get()
	if pair == nil || pair.AccessToken == "" {
		m.state.SetLoading(false)
		return false
	}

	if pair.IsExpired(m.now()) && !pair.HasRefreshToken() {
		if err := m.store.Clear(); err != nil {
			m.logger.Warn("failed to clear expired session", zap.Error(err))
		}
		m.state.SetLoading(false)
		return false
	}

	if _, err := m.CurrentUser(ctx); err != nil {
		m.logger.Debug("session restore failed", zap.Error(err))
		return false
	}
	return true
}

// HasRole always reports false: access tokens are never decoded.
func HasRole(role string) bool {
	return false
}

// HasAnyRole reports whether HasRole holds for any of roles.
func HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if HasRole(r) {
			return true
		}
	}
	return false
}
