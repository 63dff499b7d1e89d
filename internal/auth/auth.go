// Package auth validates the bearer credentials presented on WebSocket upgrade.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for every credential that fails validation.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller of one connection.
type Identity struct {
	PrincipalID string
	// SessionID identifies the client login session. Tokens without a sid
	// claim get a session id from the caller.
	SessionID string
	ExpiresAt time.Time
}

type claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid,omitempty"`
}

// Validator checks HS256 tokens signed with a shared secret.
type Validator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewValidator creates a Validator. An empty issuer accepts any issuer.
//
// Precondition: secret must be non-empty.
// Postcondition: Returns a Validator using now for expiry checks; nil now uses time.Now.
func NewValidator(secret, issuer string, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{secret: []byte(secret), issuer: issuer, now: now}
}

// Validate parses token and returns the identity in its claims.
//
// Postcondition: Returns an Identity with a non-empty PrincipalID, or an
// error wrapping ErrInvalidToken.
func (v *Validator) Validate(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: token is required", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidToken, describe(err))
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: sub is required", ErrInvalidToken)
	}
	return Identity{
		PrincipalID: parsed.Subject,
		SessionID:   parsed.SessionID,
		ExpiresAt:   parsed.ExpiresAt.Time.UTC(),
	}, nil
}

// describe maps jwt library errors to short client-safe reasons.
func describe(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token is expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token is not active yet"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature is invalid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer mismatch"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "exp is required"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "token is malformed"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "signing method is not allowed"
	default:
		return "token is invalid"
	}
}

// FromRequest extracts the credential from an Authorization bearer header
// value, falling back to the token query parameter value.
func FromRequest(authorization, queryToken string) string {
	if rest, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(queryToken)
}
