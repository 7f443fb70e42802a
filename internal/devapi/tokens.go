package devapi

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessClaims are embedded in the access token.
type accessClaims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// mintAccessToken creates a signed HS256 access token for user.
func mintAccessToken(cfg Config, user *User) (string, time.Time, error) {
	issuedAt := cfg.Now().UTC()
	expiresAt := issuedAt.Add(cfg.AccessTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		Username: user.Username,
		Roles:    user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   user.ID,
			ID:        newOpaqueToken(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(cfg.SigningKey)
	return signed, expiresAt, err
}

// parseAccessToken validates raw against cfg and returns its claims.
func parseAccessToken(cfg Config, raw string) (*accessClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &accessClaims{}, func(*jwt.Token) (any, error) {
		return cfg.SigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithTimeFunc(cfg.Now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("devapi: invalid access token claims")
	}
	return claims, nil
}
