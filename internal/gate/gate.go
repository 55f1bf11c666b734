// Package gate composes the identity core behind the three operations the
// request-handling boundary consumes: Login, Authorize, Logout. Detailed
// failure causes stay inside the trust boundary for audit logging; callers
// outside it see one generic unauthorized outcome.
package gate

import (
	"context"
	"errors"

	"aegis.dev/internal/access"
	"aegis.dev/internal/audit"
	"aegis.dev/internal/auth"
	"aegis.dev/internal/obs"
	"aegis.dev/internal/ratelimit"
	"aegis.dev/internal/session"
	"aegis.dev/internal/token"
)

var (
	// ErrRateLimited is returned when the limiter denies the unit of work
	// before any credential processing.
	ErrRateLimited = errors.New("gate: rate limited")
	// ErrForbidden is returned when an authenticated identity lacks the
	// permission for the requested action.
	ErrForbidden = errors.New("gate: forbidden")
	// ErrUnauthorized covers internal resolution failures that must not be
	// distinguished for a caller.
	ErrUnauthorized = errors.New("gate: unauthorized")
)

// Gate wires the rate limiter, credential store, session registry, and
// access evaluator into the external contract.
type Gate struct {
	limiter  *ratelimit.Limiter
	creds    *auth.Registry
	sessions *session.Registry
	access   *access.Evaluator
}

// New constructs the composed facade. All collaborators are required.
func New(limiter *ratelimit.Limiter, creds *auth.Registry, sessions *session.Registry, evaluator *access.Evaluator) (*Gate, error) {
	if limiter == nil || creds == nil || sessions == nil || evaluator == nil {
		return nil, errors.New("gate: all collaborators are required")
	}
	return &Gate{
		limiter:  limiter,
		creds:    creds,
		sessions: sessions,
		access:   evaluator,
	}, nil
}

// Login authenticates a password (and TOTP code when the identity has one
// enrolled) and opens a session bound to sourceIP. The limiter keys on the
// username so a distributed guessing run against one account is throttled
// regardless of source.
func (g *Gate) Login(ctx context.Context, username, password, sourceIP string) (string, error) {
	return g.login(ctx, username, password, "", sourceIP)
}

// LoginTOTP is Login with an explicit one-time code for enrolled identities.
func (g *Gate) LoginTOTP(ctx context.Context, username, password, code, sourceIP string) (string, error) {
	return g.login(ctx, username, password, code, sourceIP)
}

func (g *Gate) login(ctx context.Context, username, password, code, sourceIP string) (string, error) {
	if !g.limiter.Allow(username) {
		obs.ObserveLogin("rate_limited")
		_ = audit.LogEvent(ctx, "login.rate_limited", map[string]any{"username": username, "ip": sourceIP})
		return "", ErrRateLimited
	}

	identity, err := g.creds.AuthenticateTOTP(ctx, username, password, code)
	if err != nil {
		obs.ObserveLogin(loginOutcome(err))
		if errors.Is(err, auth.ErrAccountLocked) {
			obs.ObserveLockout()
		}
		_ = audit.LogEvent(ctx, "login.failed", map[string]any{
			"username": username,
			"ip":       sourceIP,
			"reason":   failureReason(err),
		})
		return "", err
	}

	tok, err := g.sessions.Create(identity.Username, sourceIP)
	if err != nil {
		return "", err
	}
	obs.ObserveLogin("ok")
	ctx = auth.ContextWithIdentity(ctx, identity.Username, identity.Role)
	_ = audit.LogEvent(ctx, "login.success", map[string]any{"ip": sourceIP, "role": identity.Role})
	return tok, nil
}

// Authorize validates the session token against sourceIP and checks that the
// bound identity's role permits action. On success it returns the identity.
func (g *Gate) Authorize(ctx context.Context, sessionToken, sourceIP, action string) (string, error) {
	if !g.limiter.Allow(sourceIP) {
		_ = audit.LogEvent(ctx, "authorize.rate_limited", map[string]any{"ip": sourceIP})
		return "", ErrRateLimited
	}

	subject, err := g.sessions.Validate(sessionToken, sourceIP)
	if err != nil {
		obs.ObserveTokenFailure(failureReason(err))
		_ = audit.LogEvent(ctx, "authorize.rejected", map[string]any{
			"ip":     sourceIP,
			"reason": failureReason(err),
		})
		return "", err
	}

	identity, err := g.creds.Lookup(subject)
	if err != nil {
		// A session for an identity the store no longer knows fails closed.
		return "", ErrUnauthorized
	}
	if !g.access.Permitted(identity.Role, action) {
		ctx = auth.ContextWithIdentity(ctx, identity.Username, identity.Role)
		_ = audit.LogEvent(ctx, "authorize.denied", map[string]any{
			"ip":     sourceIP,
			"action": action,
			"role":   identity.Role,
		})
		return "", ErrForbidden
	}
	return subject, nil
}

// Logout revokes the session unconditionally. Revoking an absent session is
// not an error.
func (g *Gate) Logout(ctx context.Context, sessionToken string) {
	g.sessions.Revoke(sessionToken)
	_ = audit.LogEvent(ctx, "session.revoked", nil)
}

func loginOutcome(err error) string {
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		return "locked"
	case errors.Is(err, auth.ErrMFARequired):
		return "mfa_required"
	default:
		return "invalid"
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, auth.ErrMFARequired):
		return "mfa_required"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, token.ErrMalformed):
		return "malformed_token"
	case errors.Is(err, token.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, token.ErrExpired):
		return "token_expired"
	case errors.Is(err, session.ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, session.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, session.ErrIPMismatch):
		return "ip_mismatch"
	default:
		return "error"
	}
}
