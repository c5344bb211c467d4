// Package auth authenticates callers with HS256 JSON web tokens. The token
// subject is the caller's principal (a Stellar account id).
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims carried by escrow access tokens
type Claims struct {
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens with a shared secret
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for principal
func (i *Issuer) Issue(principal string) (string, time.Time, error) {
	if strings.TrimSpace(principal) == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	now := i.now()
	expires := now.Add(i.ttl)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   principal,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses a token and returns its subject
func (i *Issuer) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
