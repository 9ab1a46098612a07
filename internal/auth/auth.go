package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Reason explains why a token failed verification.
type Reason string

const (
	ReasonMissing          Reason = "missing"
	ReasonMalformed        Reason = "malformed"
	ReasonBadSignature     Reason = "bad_signature"
	ReasonExpired          Reason = "expired"
	ReasonWrongIssuer      Reason = "wrong_issuer"
	ReasonWrongType        Reason = "wrong_type"
	ReasonUnknownClient    Reason = "unknown_client"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// Verification is the outcome of checking a token: either valid claims or a
// failure reason, never both.
type Verification struct {
	claims *Claims
	reason Reason
}

// Valid wraps verified claims.
func Valid(c *Claims) Verification { return Verification{claims: c} }

// Invalid wraps a failure reason.
func Invalid(r Reason) Verification { return Verification{reason: r} }

// OK reports whether the token verified.
func (v Verification) OK() bool { return v.claims != nil }

// Claims returns the verified claims, or nil.
func (v Verification) Claims() *Claims { return v.claims }

// Reason returns the failure reason, or "" for a valid token.
func (v Verification) Reason() Reason { return v.reason }

// Verify checks signature, algorithm, expiry, issuer, token type and subject.
// It never panics and never returns an error.
func (a *Authority) Verify(token string) (v Verification) {
	defer func() {
		if r := recover(); r != nil {
			v = Invalid(ReasonMalformed)
		}
		a.metrics.TokenVerified(outcomeLabel(v))
	}()
	token = strings.TrimSpace(token)
	if token == "" {
		return Invalid(ReasonMissing)
	}
	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.keys.Public, nil
	})
	if err != nil {
		return Invalid(classify(err))
	}
	if !parsed.Valid {
		return Invalid(ReasonBadSignature)
	}
	if claims.TokenType != TokenTypeAccess {
		return Invalid(ReasonWrongType)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Invalid(ReasonMalformed)
	}
	return Valid(claims)
}

// VerifyToken returns the claims of a valid token, or nil on any failure.
func (a *Authority) VerifyToken(token string) *Claims {
	return a.Verify(token).Claims()
}

// Authenticate verifies the token and additionally requires its subject to
// still be a registered client.
func (a *Authority) Authenticate(ctx context.Context, token string) Verification {
	v := a.Verify(token)
	if !v.OK() {
		return v
	}
	if _, err := a.store.Find(ctx, v.Claims().Subject); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Invalid(ReasonUnknownClient)
		}
		return Invalid(ReasonStoreUnavailable)
	}
	return v
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ReasonWrongIssuer
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonBadSignature
	default:
		return ReasonMalformed
	}
}

func outcomeLabel(v Verification) string {
	if v.OK() {
		return "valid"
	}
	return string(v.reason)
}
