package jwtx_test

import (
	"testing"
	"time"

	"github.com/aussiebroadwan/portal/pkg/jwtx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// sign mints an HS256 token, the client never checks the signature so any key works.
func sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

func TestExpiresAt(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)

	t.Run("reads exp claim", func(t *testing.T) {
		token := sign(t, jwtx.Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
			TokenType:        "access",
		})

		got, err := jwtx.ExpiresAt(token)
		require.NoError(t, err)
		require.True(t, exp.Equal(got))
	})

	t.Run("expired tokens still parse", func(t *testing.T) {
		past := time.Now().Add(-time.Hour).Truncate(time.Second)
		token := sign(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(past)})

		got, err := jwtx.ExpiresAt(token)
		require.NoError(t, err)
		require.True(t, past.Equal(got))
	})

	t.Run("missing exp", func(t *testing.T) {
		token := sign(t, jwt.RegisteredClaims{Subject: "42"})

		_, err := jwtx.ExpiresAt(token)
		require.ErrorIs(t, err, jwtx.ErrNoExpiry)
	})

	t.Run("opaque token", func(t *testing.T) {
		_, err := jwtx.ExpiresAt("opaque-refresh-token")
		require.ErrorIs(t, err, jwtx.ErrMalformed)
	})
}

func TestExpiresAtOr(t *testing.T) {
	t.Parallel()

	issued := time.Unix(1700000000, 0)
	got := jwtx.ExpiresAtOr("opaque", issued, jwtx.DefaultAccessTokenTTL)
	require.Equal(t, issued.Add(5*time.Minute), got)
}

func TestExpiredAt(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	c := &jwtx.Claims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(20 * time.Second)),
	}}

	require.False(t, c.ExpiredAt(now, 0))
	require.True(t, c.ExpiredAt(now, 30*time.Second), "leeway pulls expiry forward")
	require.True(t, c.ExpiredAt(now.Add(time.Minute), 0))

	require.False(t, (&jwtx.Claims{}).ExpiredAt(now, 0), "no exp never expires")
}
