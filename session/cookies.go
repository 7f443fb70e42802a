package session

import (
	"net/http"
	"time"
)

const (
	AccessCookieName  = "accessToken"
	RefreshCookieName = "refreshToken"

	// defaultCookieMaxAge applies when the pair carries no expiry.
	defaultCookieMaxAge = 7 * 24 * time.Hour
)

// tokenCookies builds the cookie mirror of pair. A nil pair produces
// expiring cookies that remove any previous mirror from the jar.
func tokenCookies(pair *TokenPair, now time.Time) []*http.Cookie {
	if pair == nil {
		return []*http.Cookie{
			{Name: AccessCookieName, Path: "/", MaxAge: -1},
			{Name: RefreshCookieName, Path: "/", MaxAge: -1},
		}
	}

	maxAge := int(defaultCookieMaxAge / time.Second)
	if pair.ExpiresAt != nil {
		maxAge = int(pair.ExpiresAt.Sub(now) / time.Second)
	}
	refreshMaxAge := maxAge * 2

	// MaxAge 0 means "no Max-Age attribute" to net/http; an already expired
	// pair must delete the cookies instead.
	if maxAge <= 0 {
		maxAge, refreshMaxAge = -1, -1
	}

	return []*http.Cookie{
		{
			Name:     AccessCookieName,
			Value:    pair.AccessToken,
			Path:     "/",
			MaxAge:   maxAge,
			SameSite: http.SameSiteLaxMode,
		},
		{
			Name:     RefreshCookieName,
			Value:    pair.RefreshToken,
			Path:     "/",
			MaxAge:   refreshMaxAge,
			SameSite: http.SameSiteLaxMode,
		},
	}
}

func (s *Store) mirrorCookies(pair *TokenPair) {
	if s.jar == nil || s.cookieURL == nil {
		return
	}
	s.jar.SetCookies(s.cookieURL, tokenCookies(pair, s.now()))
}
