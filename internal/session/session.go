// Package session owns the live-session table. A session binds a signed
// token to the identity it was issued for, the IP that created it, and an
// expiry. Validation from any other IP is rejected unconditionally; that is
// the hijack defense, not a logging concern.
package session

import (
	"errors"
	"sync"
	"time"

	"aegis.dev/internal/token"
)

var (
	ErrUnknownSession = errors.New("session: unknown session")
	ErrSessionExpired = errors.New("session: expired")
	ErrIPMismatch     = errors.New("session: ip mismatch")
)

type record struct {
	subject   string
	ip        string
	expiresAt time.Time
}

// Registry creates, validates, and revokes sessions. No other component
// stores session state.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]record

	tokens   *token.Service
	lifetime time.Duration
	now      func() time.Time
	onCount  func(n int)
}

// Option configures Registry behavior.
type Option func(*Registry)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithCountHook installs a callback invoked with the session count after
// every change, for gauge metrics.
func WithCountHook(fn func(n int)) Option {
	return func(r *Registry) {
		r.onCount = fn
	}
}

// NewRegistry constructs a session registry issuing through tokens. The
// session lifetime equals the token lifetime; the two expiries are tracked
// separately so revocation never touches the token payload.
func NewRegistry(tokens *token.Service, opts ...Option) (*Registry, error) {
	if tokens == nil {
		return nil, errors.New("session: token service is required")
	}
	r := &Registry{
		sessions: make(map[string]record),
		tokens:   tokens,
		lifetime: tokens.TTL(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Create issues a session token for subject bound to sourceIP and registers
// the session entry.
func (r *Registry) Create(subject, sourceIP string) (string, error) {
	tok, err := r.tokens.IssueBound(subject, sourceIP)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.sessions[tok] = record{
		subject:   subject,
		ip:        sourceIP,
		expiresAt: r.now().Add(r.lifetime),
	}
	n := len(r.sessions)
	r.mu.Unlock()

	r.publishCount(n)
	return tok, nil
}

// Validate checks the token signature and expiry, confirms the session is
// still registered and unexpired, and enforces the IP binding. On success it
// returns the bound identity.
func (r *Registry) Validate(tok, sourceIP string) (string, error) {
	if _, err := r.tokens.VerifyBound(tok); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[tok]
	if !ok {
		// Never registered, or revoked. The token may still carry a valid
		// signature; a revoked session is unauthenticated regardless.
		return "", ErrUnknownSession
	}
	if r.now().After(rec.expiresAt) {
		return "", ErrSessionExpired
	}
	if rec.ip != sourceIP {
		return "", ErrIPMismatch
	}
	return rec.subject, nil
}

// Revoke removes the session entry. Revoking an absent session is not an
// error.
func (r *Registry) Revoke(tok string) {
	r.mu.Lock()
	delete(r.sessions, tok)
	n := len(r.sessions)
	r.mu.Unlock()

	r.publishCount(n)
}

// Count returns the number of registered sessions, expired entries included.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep drops expired session entries and returns how many were removed.
// Expired entries are rejected with or without a sweep; this only reclaims
// memory.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	removed := 0
	for tok, rec := range r.sessions {
		if now.After(rec.expiresAt) {
			delete(r.sessions, tok)
			removed++
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	r.publishCount(n)
	return removed
}

func (r *Registry) publishCount(n int) {
	if r.onCount != nil {
		r.onCount(n)
	}
}
