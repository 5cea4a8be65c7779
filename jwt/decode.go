package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned when a token cannot be split or decoded.
var ErrMalformed = errors.New("malformed jwt")

// Claims is the decoded payload of a token.
type Claims = jwt.MapClaims

// Decode returns the token's claims without verifying its signature.
func Decode(token string) (Claims, error) {
	if token == "" {
		return nil, ErrMalformed
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return claims, nil
}

// ExpiresAt returns the token's exp claim. It reports false for opaque or
// malformed tokens and for tokens without exp.
func ExpiresAt(token string) (time.Time, bool) {
	claims, err := Decode(token)
	if err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Subject returns the token's sub claim, or "" when absent or unreadable.
func Subject(token string) string {
	claims, err := Decode(token)
	if err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
