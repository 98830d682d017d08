package auth

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// Caching wraps a Provider and reuses its token until shortly before expiry.
// When the upstream token carries no explicit expiry, the JWT "exp" claim is
// read without verification; signature checks belong to the server.
type Caching struct {
	next   Provider
	leeway time.Duration
	clock  clock.Clock

	mu     sync.Mutex
	cached Token
}

// CachingOption configures a Caching provider.
type CachingOption func(*Caching)

// WithClock overrides the wall clock. Used by tests.
func WithClock(c clock.Clock) CachingOption {
	return func(p *Caching) { p.clock = c }
}

// WithLeeway sets how long before expiry a token is considered stale.
func WithLeeway(d time.Duration) CachingOption {
	return func(p *Caching) { p.leeway = d }
}

// NewCaching creates a caching decorator around next.
func NewCaching(next Provider, opts ...CachingOption) *Caching {
	p := &Caching{
		next:   next,
		leeway: 30 * time.Second,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token implements Provider.
func (p *Caching) Token(ctx context.Context) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached.Valid(p.clock.Now().Add(p.leeway)) {
		return p.cached, nil
	}

	tok, err := p.next.Token(ctx)
	if err != nil {
		p.cached = Token{}
		return Token{}, err
	}
	if tok.ExpiresAt.IsZero() {
		tok.ExpiresAt = ExpiryFromJWT(tok.AccessToken)
	}
	p.cached = tok
	return tok, nil
}

// Invalidate drops the cached token so the next call hits the upstream provider.
func (p *Caching) Invalidate() {
	p.mu.Lock()
	p.cached = Token{}
	p.mu.Unlock()
}

// ExpiryFromJWT returns the exp claim of an unverified JWT, or the zero time
// when the token is opaque or carries no expiry.
func ExpiryFromJWT(raw string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
