// Package devapi is a small development backend speaking the API the session
// package expects: password login and registration, rotating opaque refresh
// tokens, logout and a "me" endpoint guarded by short-lived HS256 access tokens.
package devapi

import (
	"errors"
	"time"
)

const (
	// DefaultBasePath prefixes every route.
	DefaultBasePath   = "/api"
	defaultIssuer     = "authfetch-devapi"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	accessCookieName = "accessToken"
)

var errMissingSigningKey = errors.New("devapi: signing key must be provided")

// Config configures a Server.
type Config struct {
	BasePath   string
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// AllowedOrigins enables CORS for the listed origins when non-empty.
	AllowedOrigins []string
	// Now replaces time.Now for token issuance and validation.
	Now func() time.Time
}

func (c Config) withDefaults() (Config, error) {
	if len(c.SigningKey) == 0 {
		return c, errMissingSigningKey
	}
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.Issuer == "" {
		c.Issuer = defaultIssuer
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = defaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = defaultRefreshTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}
