package auth_test

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gamegate/internal/auth"
)

const secret = "test-secret-0123456789"

var now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func sign(t *testing.T, method jwt.SigningMethod, key any, c jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, c).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "alice",
		"sid": "s-1",
		"iss": "gamegate",
		"exp": now.Add(time.Hour).Unix(),
	}
}

func newValidator() *auth.Validator {
	return auth.NewValidator(secret, "gamegate", func() time.Time { return now })
}

func TestValidate_OK(t *testing.T) {
	id, err := newValidator().Validate(sign(t, jwt.SigningMethodHS256, []byte(secret), validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "alice", id.PrincipalID)
	assert.Equal(t, "s-1", id.SessionID)
	assert.Equal(t, now.Add(time.Hour), id.ExpiresAt)
}

func TestValidate_Failures(t *testing.T) {
	mutate := func(f func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		f(c)
		return c
	}
	cases := map[string]string{
		"empty":         "",
		"garbage":       "not.a.jwt",
		"wrong secret":  sign(t, jwt.SigningMethodHS256, []byte("other-secret-0123456789"), validClaims()),
		"wrong method":  sign(t, jwt.SigningMethodHS512, []byte(secret), validClaims()),
		"expired":       sign(t, jwt.SigningMethodHS256, []byte(secret), mutate(func(c jwt.MapClaims) { c["exp"] = now.Add(-time.Minute).Unix() })),
		"no expiry":     sign(t, jwt.SigningMethodHS256, []byte(secret), mutate(func(c jwt.MapClaims) { delete(c, "exp") })),
		"wrong issuer":  sign(t, jwt.SigningMethodHS256, []byte(secret), mutate(func(c jwt.MapClaims) { c["iss"] = "evil" })),
		"no subject":    sign(t, jwt.SigningMethodHS256, []byte(secret), mutate(func(c jwt.MapClaims) { delete(c, "sub") })),
		"not yet valid": sign(t, jwt.SigningMethodHS256, []byte(secret), mutate(func(c jwt.MapClaims) { c["nbf"] = now.Add(time.Minute).Unix() })),
	}
	v := newValidator()
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(token)
			assert.True(t, errors.Is(err, auth.ErrInvalidToken), "got %v", err)
		})
	}
}

func TestValidate_AnyIssuerWhenUnset(t *testing.T) {
	v := auth.NewValidator(secret, "", func() time.Time { return now })
	c := validClaims()
	c["iss"] = "someone-else"
	_, err := v.Validate(sign(t, jwt.SigningMethodHS256, []byte(secret), c))
	assert.NoError(t, err)
}

func TestFromRequest(t *testing.T) {
	assert.Equal(t, "abc", auth.FromRequest("Bearer abc", "xyz"))
	assert.Equal(t, "xyz", auth.FromRequest("", "xyz"))
	assert.Equal(t, "xyz", auth.FromRequest("Basic Zm9v", " xyz "))
	assert.Empty(t, auth.FromRequest("", ""))
}

func TestProperty_SubjectRoundTrips(t *testing.T) {
	v := newValidator()
	rapid.Check(t, func(rt *rapid.T) {
		sub := rapid.StringMatching(`[a-zA-Z0-9_-]{1,32}`).Draw(rt, "sub")
		c := validClaims()
		c["sub"] = sub
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
		require.NoError(rt, err)
		id, err := v.Validate(token)
		require.NoError(rt, err)
		assert.Equal(rt, sub, id.PrincipalID)
	})
}
