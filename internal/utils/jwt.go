// Package utils holds token and password helpers shared by the auth
// handlers and the JWT middleware.
package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned by ParseAccessToken for tokens that fail
// signature, expiry or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// AccessToken is a signed HS256 JWT and its expiry.
type AccessToken struct {
	Token string
	Exp   time.Time
}

// RefreshToken is the raw refresh token handed to the client.  Only its
// SHA-256 hash is stored.
type RefreshToken struct {
	Raw string
	Exp time.Time
}

// Claims are the identity claims the service trusts: the user id and the
// capability role.
type Claims struct {
	UserID uint64
	Role   string
}

// NewAccessToken builds and signs an HS256 JWT carrying sub, role, exp and
// iat.
func NewAccessToken(secret string, userID uint64, role string, ttlMin int) (AccessToken, error) {
	now := time.Now().UTC()
	exp := now.Add(time.Duration(ttlMin) * time.Minute)
	claims := jwt.MapClaims{
		"sub":  strconv.FormatUint(userID, 10),
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}

// ParseAccessToken verifies raw with secret and extracts its claims.  Only
// HMAC signing methods are accepted.
func ParseAccessToken(secret, raw string) (Claims, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	// sub may be a number in tokens issued by older versions.
	switch v := mc["sub"].(type) {
	case string:
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Claims{}, ErrInvalidToken
		}
		c.UserID = id
	case float64:
		c.UserID = uint64(v)
	default:
		return Claims{}, ErrInvalidToken
	}
	c.Role, _ = mc["role"].(string)
	if c.UserID == 0 || c.Role == "" {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}

// NewRefreshToken returns a random 96 hex character token valid for
// ttlDays.
func NewRefreshToken(ttlDays int) (RefreshToken, error) {
	raw, err := randomHex(48)
	if err != nil {
		return RefreshToken{}, err
	}
	return RefreshToken{
		Raw: raw,
		Exp: time.Now().UTC().Add(time.Duration(ttlDays) * 24 * time.Hour),
	}, nil
}

// HashRefreshRaw returns the hex SHA-256 of a raw refresh token.
func HashRefreshRaw(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
