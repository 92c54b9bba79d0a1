package jwtx

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token lifetimes used when a token is opaque and carries no exp claim.
// They match the backend's access/refresh defaults.
const (
	DefaultAccessTokenTTL  = 5 * time.Minute
	DefaultRefreshTokenTTL = 24 * time.Hour
)

var (
	ErrMalformed = errors.New("jwtx: malformed token")
	ErrNoExpiry  = errors.New("jwtx: token has no exp claim")
)

// Claims are the access/refresh token claims the portal backend issues. The
// client only reads them, it never holds the signing key, so nothing here is
// verified. Expiry is all we need to decide when to refresh.
type Claims struct {
	jwt.RegisteredClaims

	// TokenType is "access" or "refresh"
	TokenType string `json:"token_type,omitempty"`

	// UserID is the numeric user id the backend embeds
	UserID any `json:"user_id,omitempty"`
}

// Parse decodes token claims without verifying the signature.
func Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMalformed
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return &claims, nil
}

// ExpiresAt returns the exp claim of token.
func ExpiresAt(token string) (time.Time, error) {
	claims, err := Parse(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// ExpiresAtOr returns the exp claim of token, or issued.Add(ttl) when the
// token is opaque or has no exp.
func ExpiresAtOr(token string, issued time.Time, ttl time.Duration) time.Time {
	exp, err := ExpiresAt(token)
	if err != nil {
		return issued.Add(ttl)
	}
	return exp
}

// ExpiredAt reports whether claims have expired at now, allowing leeway for
// clock skew between client and server.
func (c *Claims) ExpiredAt(now time.Time, leeway time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-leeway))
}
