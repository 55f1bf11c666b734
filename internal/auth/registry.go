package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultMaxFailedAttempts = 5

// Persistence is an optional durable backing for the identity table. The
// in-memory table remains authoritative; writes go through after each
// mutation so a restart can rehydrate.
type Persistence interface {
	Load(ctx context.Context) ([]Identity, error)
	Save(ctx context.Context, identity Identity) error
}

// Registry is the credential store. It owns the identity table and applies
// the lockout policy on authentication attempts.
type Registry struct {
	mu         sync.Mutex
	identities map[string]*Identity

	maxFailed int
	now       func() time.Time
	persist   Persistence

	// decoyHash is verified against for unknown usernames so the
	// unknown-user path costs the same as a wrong password.
	decoyHash string
}

// RegistryOption configures Registry behavior.
type RegistryOption func(*Registry)

// WithMaxFailedAttempts overrides the lockout threshold.
func WithMaxFailedAttempts(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxFailed = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithPersistence enables write-through persistence of identity records.
func WithPersistence(p Persistence) RegistryOption {
	return func(r *Registry) {
		r.persist = p
	}
}

// NewRegistry constructs an empty credential store.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	decoy, err := HashPassword("registry-decoy-credential")
	if err != nil {
		return nil, err
	}
	r := &Registry{
		identities: make(map[string]*Identity),
		maxFailed:  defaultMaxFailedAttempts,
		now:        time.Now,
		decoyHash:  decoy,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Hydrate loads persisted identity records into the in-memory table. Intended
// to run once at startup, before the registry serves requests.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	records, err := r.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("hydrate identities: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		copied := rec
		r.identities[rec.Username] = &copied
	}
	return nil
}

// Register creates a new identity with a freshly salted argon2id hash.
func (r *Registry) Register(ctx context.Context, username, password, role string) error {
	username = strings.TrimSpace(username)
	role = strings.TrimSpace(strings.ToLower(role))
	if username == "" || password == "" || role == "" {
		return fmt.Errorf("%w: username, password and role are required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.identities[username]; ok {
		return ErrDuplicateIdentity
	}
	identity := &Identity{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    r.now().UTC(),
	}
	r.identities[username] = identity
	return r.flush(ctx, identity)
}

// Authenticate verifies a password for username. Failed attempts are counted
// under the same lock as the verdict so the lockout threshold cannot be
// raced past by concurrent callers.
func (r *Registry) Authenticate(ctx context.Context, username, password string) (Identity, error) {
	return r.authenticate(ctx, username, password, "", false)
}

// AuthenticateTOTP verifies a password plus, when the identity has a TOTP
// secret enrolled, a time-based one-time code.
func (r *Registry) AuthenticateTOTP(ctx context.Context, username, password, code string) (Identity, error) {
	return r.authenticate(ctx, username, password, code, true)
}

func (r *Registry) authenticate(ctx context.Context, username, password, code string, withCode bool) (Identity, error) {
	username = strings.TrimSpace(username)

	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.identities[username]
	if !ok {
		// Burn a verification anyway; see decoyHash.
		_ = VerifyPassword(r.decoyHash, password)
		return Identity{}, ErrInvalidCredentials
	}
	if identity.Locked {
		return Identity{}, ErrAccountLocked
	}
	if err := VerifyPassword(identity.PasswordHash, password); err != nil {
		return Identity{}, r.recordFailure(ctx, identity)
	}
	if identity.TOTPSecret != "" {
		if !withCode || code == "" {
			return Identity{}, ErrMFARequired
		}
		if !ValidateTOTP(identity.TOTPSecret, code, r.now()) {
			return Identity{}, r.recordFailure(ctx, identity)
		}
	}

	identity.FailedAttempts = 0
	if err := r.flush(ctx, identity); err != nil {
		return Identity{}, err
	}
	return *identity, nil
}

func (r *Registry) recordFailure(ctx context.Context, identity *Identity) error {
	identity.FailedAttempts++
	identity.LastFailedAt = r.now().UTC()
	if identity.FailedAttempts >= r.maxFailed {
		identity.Locked = true
	}
	if err := r.flush(ctx, identity); err != nil {
		return err
	}
	if identity.Locked {
		return ErrAccountLocked
	}
	return ErrInvalidCredentials
}

// Unlock clears the lock flag and failed-attempt counter. This is the
// administrative action; the authentication path never calls it.
func (r *Registry) Unlock(ctx context.Context, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.identities[strings.TrimSpace(username)]
	if !ok {
		return ErrNotFound
	}
	identity.Locked = false
	identity.FailedAttempts = 0
	return r.flush(ctx, identity)
}

// EnrollTOTP generates and stores a TOTP secret for username, returning the
// secret for operator delivery to the user.
func (r *Registry) EnrollTOTP(ctx context.Context, username string) (string, error) {
	secret, err := NewTOTPSecret()
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.identities[strings.TrimSpace(username)]
	if !ok {
		return "", ErrNotFound
	}
	identity.TOTPSecret = secret
	if err := r.flush(ctx, identity); err != nil {
		return "", err
	}
	return secret, nil
}

// Lookup returns a copy of the identity record, for administrative surfaces.
func (r *Registry) Lookup(username string) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.identities[strings.TrimSpace(username)]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return *identity, nil
}

// flush writes the record through to persistence when configured. Callers
// hold r.mu.
func (r *Registry) flush(ctx context.Context, identity *Identity) error {
	if r.persist == nil {
		return nil
	}
	if err := r.persist.Save(ctx, *identity); err != nil {
		return fmt.Errorf("persist identity %s: %w", identity.Username, err)
	}
	return nil
}
