package utils

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is enforced at registration.
const MinPasswordLength = 8

var ErrWeakPassword = errors.New("password too short")

// HashPassword returns a bcrypt hash using the given cost.  Costs outside
// bcrypt's range fall back to bcrypt.DefaultCost.
func HashPassword(plain string, cost int) (string, error) {
	if len(plain) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPassword safely compares bcrypt hash and plain password.
func VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
