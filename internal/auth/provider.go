// Package auth supplies short-lived credentials to the push channel.
// The identity service itself is external; this package only exchanges and
// caches the tokens it issues.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrNoToken is returned when a provider has no credential to offer.
var ErrNoToken = errors.New("auth: no access token available")

// Token is an access credential.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the token is non-empty and not expired at now.
func (t Token) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// Provider returns an access token on demand. It is called before every
// channel (re)initialization.
type Provider interface {
	Token(ctx context.Context) (Token, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Token, error)

// Token implements Provider.
func (f ProviderFunc) Token(ctx context.Context) (Token, error) { return f(ctx) }

// Static always returns the same token.
type Static struct {
	AccessToken string
}

// Token implements Provider.
func (s Static) Token(ctx context.Context) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	if s.AccessToken == "" {
		return Token{}, ErrNoToken
	}
	return Token{AccessToken: s.AccessToken}, nil
}
