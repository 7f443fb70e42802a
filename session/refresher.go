package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// RefreshFunc exchanges a refresh token for a new TokenPair.
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenPair, error)

// refreshResponse is the body returned by the refresh endpoint.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// newHTTPRefresher returns a RefreshFunc posting {"refreshToken": ...} to url.
// client must not route through the Interceptor.
func newHTTPRefresher(client *http.Client, url string, now func() time.Time) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (TokenPair, error) {
		payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
		if err != nil {
			return TokenPair{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return TokenPair{}, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return TokenPair{}, &TransportError{Err: fmt.Errorf("refresh request failed: %w", err)}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return TokenPair{}, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			retrieveErr := &oauth2.RetrieveError{Response: resp, Body: body}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return TokenPair{}, fmt.Errorf("%w: %w", ErrRefreshTokenExpired, retrieveErr)
			}
			return TokenPair{}, fmt.Errorf("refresh failed with status %d: %w", resp.StatusCode, retrieveErr)
		}

		var tokenResp refreshResponse
		if err := json.Unmarshal(body, &tokenResp); err != nil {
			return TokenPair{}, fmt.Errorf("failed to parse token response: %w", err)
		}

		if err := validateTokenResponse(
			tokenResp.AccessToken,
			tokenResp.TokenType,
			tokenResp.ExpiresIn,
		); err != nil {
			return TokenPair{}, fmt.Errorf("invalid token response: %w", err)
		}

		// Servers that do not rotate refresh tokens omit the field; keep the old one.
		newRefreshToken := tokenResp.RefreshToken
		if newRefreshToken == "" {
			newRefreshToken = refreshToken
		}

		return TokenPair{
			AccessToken:  tokenResp.AccessToken,
			RefreshToken: newRefreshToken,
			ExpiresAt:    expiresAtFrom(now(), tokenResp.ExpiresIn),
		}, nil
	}
}
