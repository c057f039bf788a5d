package credstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned by ParseExpiry when the token has no exp claim.
var ErrNoExpiry = errors.New("credstore: token has no expiry claim")

// ParseExpiry decodes the exp claim of a signed access token. The signature
// is not verified: the client only needs to know when to refresh, and the
// server remains the authority on validity.
func ParseExpiry(raw string) (time.Time, error) {
	var claims jwt.RegisteredClaims

	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, fmt.Errorf("credstore: decoding token: %w", err)
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}

	return claims.ExpiresAt.Time, nil
}
