// Package auth supplies the credential the connection layer presents to the
// realtime backend. Issuing and verifying tokens is the backend's job; this
// side only needs to know when a token it holds can no longer work.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when no credential is available.
var ErrNoToken = errors.New("auth: no token available")

// ErrExpired is returned when a token's exp claim is in the past.
var ErrExpired = errors.New("auth: token expired")

// TokenSource yields the credential for the next connect attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static is a TokenSource that always returns the same token.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// Env reads the token from an environment variable on every call, so an
// externally refreshed value is picked up on the next reconnect.
type Env string

func (e Env) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(string(e)))
	if v == "" {
		return "", fmt.Errorf("%w: $%s is empty", ErrNoToken, string(e))
	}
	return v, nil
}

// Settable is a TokenSource whose value can be replaced at runtime.
type Settable struct {
	mu  sync.RWMutex
	tok string
}

// Set replaces the current token.
func (s *Settable) Set(tok string) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

func (s *Settable) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tok == "" {
		return "", ErrNoToken
	}
	return s.tok, nil
}

// Expiry returns the exp claim of a JWT without verifying its signature.
// ok is false when tok is not a JWT or carries no exp claim; opaque tokens
// are simply never considered expired.
func Expiry(tok string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// CheckExpiry returns ErrExpired when tok is a JWT whose exp is not after now.
func CheckExpiry(tok string, now time.Time) error {
	exp, ok := Expiry(tok)
	if !ok {
		return nil
	}
	if !exp.After(now) {
		return fmt.Errorf("%w at %s", ErrExpired, exp.UTC().Format(time.RFC3339))
	}
	return nil
}
