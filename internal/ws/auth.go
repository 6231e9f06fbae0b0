package ws

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenInvalid covers every way a client token can fail validation.
var ErrTokenInvalid = errors.New("invalid token")

// Authenticator validates the HS256 bearer tokens clients present in their
// first frame.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an authenticator over a shared secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Identity is what a validated token asserts.
type Identity struct {
	Subject   string
	ExpiresAt time.Time
}

// Validate parses and verifies a token. Tokens without an expiry are
// rejected: a connection must have a point at which it re-authenticates.
func (a *Authenticator) Validate(token string) (Identity, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrTokenInvalid
	}
	if claims.ExpiresAt == nil {
		return Identity{}, fmt.Errorf("%w: no expiry claim", ErrTokenInvalid)
	}
	return Identity{
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
