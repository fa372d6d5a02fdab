/**
 * @description
 * Anti-forgery nonce tokens for mutating admin routes. Every mutation
 * requires a short-lived token bound to an operation-specific purpose
 * string; verification fails closed, so a missing, expired, or
 * wrong-purpose token aborts the request before any state changes.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HS256 signing and validation.
 * - github.com/google/uuid: Unique token ids.
 */

package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Purpose strings, one per mutating operation. The values are preserved
// verbatim from the legacy admin UI for interoperability.
const (
	NonceEditDonor       = "edit-customer"
	NonceDeleteDonor     = "delete-customer"
	NonceAddNote         = "add-customer-note"
	NonceAddEmail        = "give_add_donor_email"
	NonceRemoveEmail     = "give-remove-donor-email"
	NonceSetPrimaryEmail = "give-set-donor-primary-email"
)

// ErrNonceInvalid is returned for any token that fails verification,
// regardless of the reason.
var ErrNonceInvalid = errors.New("nonce verification failed")

type nonceClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// NonceManager issues and verifies per-purpose anti-forgery tokens.
type NonceManager struct {
	secret []byte
	ttl    time.Duration
}

// NewNonceManager creates a manager signing tokens with the given secret.
func NewNonceManager(secret string, ttl time.Duration) *NonceManager {
	return &NonceManager{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token bound to a purpose string and the requesting actor.
func (m *NonceManager) Issue(purpose, actor string) (string, error) {
	now := time.Now()
	claims := nonceClaims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign nonce: %w", err)
	}
	return signed, nil
}

// Verify checks a token against the expected purpose. Any failure (bad
// signature, expiry, purpose mismatch) yields ErrNonceInvalid.
func (m *NonceManager) Verify(tokenString, purpose string) error {
	claims := &nonceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrNonceInvalid
	}
	if claims.Purpose != purpose {
		return ErrNonceInvalid
	}
	return nil
}
