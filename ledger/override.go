package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/llmcore/mediator/types"
)

// overrideClaims is the payload of a budget override token: a short-lived,
// signed grant that lets a caller bypass a specific exceeded budget scope
// (§4.3's "caller passes an explicit override" path).
type overrideClaims struct {
	Scope    types.BudgetScope `json:"scope"`
	ScopeKey string            `json:"scopeKey"`
	jwt.RegisteredClaims
}

// ErrOverrideScopeMismatch is returned when a token's scope doesn't match
// the budget being checked.
var ErrOverrideScopeMismatch = errors.New("ledger: override token scope mismatch")

// OverrideVerifier validates budget override tokens signed with a shared
// secret (HS256).
type OverrideVerifier struct {
	secret []byte
}

// NewOverrideVerifier creates a verifier using secret to validate
// signatures.
func NewOverrideVerifier(secret []byte) *OverrideVerifier {
	return &OverrideVerifier{secret: secret}
}

// Issue mints an override token scoped to scope/scopeKey, valid for ttl.
func (v *OverrideVerifier) Issue(scope types.BudgetScope, scopeKey string, ttl time.Duration, issuer string) (string, error) {
	now := time.Now()
	claims := overrideClaims{
		Scope:    scope,
		ScopeKey: scopeKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify checks tokenString's signature, expiry and scope match.
func (v *OverrideVerifier) Verify(tokenString string, scope types.BudgetScope, scopeKey string) (bool, error) {
	claims := &overrideClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return false, err
	}
	if !token.Valid {
		return false, errors.New("ledger: override token invalid")
	}
	if claims.Scope != scope || claims.ScopeKey != scopeKey {
		return false, ErrOverrideScopeMismatch
	}
	return true, nil
}
