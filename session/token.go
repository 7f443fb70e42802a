package session

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// TokenPair is the credential set held by a session.
// It is replaced wholesale; callers never mutate a stored pair in place.
type TokenPair struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// IsExpired reports whether the pair's access token is expired at now.
// A pair without ExpiresAt never expires.
func (p TokenPair) IsExpired(now time.Time) bool {
	return IsExpired(&p, now)
}

// IsExpired reports whether pair is expired at now. A nil pair is expired.
func IsExpired(pair *TokenPair, now time.Time) bool {
	if pair == nil {
		return true
	}
	if pair.ExpiresAt == nil {
		return false
	}
	return !now.Before(*pair.ExpiresAt)
}

// HasRefreshToken reports whether a refresh token is available.
func (p *TokenPair) HasRefreshToken() bool {
	return p != nil && p.RefreshToken != ""
}

// Equal compares two pairs field by field, using time.Time.Equal for expiry.
func (p TokenPair) Equal(other TokenPair) bool {
	if p.AccessToken != other.AccessToken || p.RefreshToken != other.RefreshToken {
		return false
	}
	switch {
	case p.ExpiresAt == nil && other.ExpiresAt == nil:
		return true
	case p.ExpiresAt == nil || other.ExpiresAt == nil:
		return false
	default:
		return p.ExpiresAt.Equal(*other.ExpiresAt)
	}
}

func (p TokenPair) clone() *TokenPair {
	c := p
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// OAuth2Token converts the pair into an oauth2.Token.
func (p TokenPair) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    "Bearer",
	}
	if p.ExpiresAt != nil {
		tok.Expiry = *p.ExpiresAt
	}
	return tok
}

// PairFromOAuth2 converts an oauth2.Token into a TokenPair.
// A zero Expiry maps to a pair without ExpiresAt.
func PairFromOAuth2(tok *oauth2.Token) TokenPair {
	pair := TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		pair.ExpiresAt = &expiry
	}
	return pair
}

// expiresAtFrom turns a relative lifetime in seconds into an absolute instant.
// Zero or negative lifetimes mean the server did not announce an expiry.
func expiresAtFrom(now time.Time, expiresIn int64) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	t := now.Add(time.Duration(expiresIn) * time.Second)
	return &t
}

// validateTokenResponse validates a token issued by the login, register or refresh endpoints
func validateTokenResponse(accessToken, tokenType string, expiresIn int64) error {
	if accessToken == "" {
		return errors.New("access token is empty")
	}

	if expiresIn < 0 {
		return fmt.Errorf("expiresIn must not be negative, got: %d", expiresIn)
	}

	// Token type is optional, but if present, should be "Bearer"
	if tokenType != "" && tokenType != "Bearer" {
		return fmt.Errorf("unexpected token type: %s (expected Bearer)", tokenType)
	}

	return nil
}
