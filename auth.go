package main

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// ErrUnauthorized is the single failure surfaced by VerifyToken. Malformed,
// expired and badly-signed tokens are indistinguishable to callers.
var ErrUnauthorized = errors.New("unauthorized")

// TokenAuthenticator issues and verifies HS256 bearer tokens. Stateless:
// the only state is the signing secret fixed at startup.
type TokenAuthenticator struct {
	secret []byte
	expiry time.Duration
}

func NewTokenAuthenticator(secret string, expiry time.Duration) *TokenAuthenticator {
	return &TokenAuthenticator{secret: []byte(secret), expiry: expiry}
}

func (a *TokenAuthenticator) IssueToken(subject string) (string, error) {
	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// VerifyToken returns the subject named in a valid token.
func (a *TokenAuthenticator) VerifyToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			_, ok := token.Method.(*jwt.SigningMethodHMAC)
			if !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.secret, nil
		})
	if err != nil || !token.Valid {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}
