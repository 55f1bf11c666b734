// Package ratelimit implements a per-identifier fixed-window throttle with a
// burst threshold and timed blocking. Outcomes are fully determined by the
// call-timestamp sequence and the configuration; there is no randomness.
package ratelimit

import (
	"sync"
	"time"
)

// Config bounds request volume per identifier.
type Config struct {
	// Max requests per window before the identifier is blocked outright.
	Max int
	// Burst is the soft threshold; counts above it are denied without
	// starting a timed block.
	Burst int
	// Window is the counting interval.
	Window time.Duration
	// BlockDuration is how long a blocked identifier stays denied.
	BlockDuration time.Duration
}

// DefaultConfig mirrors the production limits: 100 requests per minute,
// burst suspicion above 50, five-minute blocks.
func DefaultConfig() Config {
	return Config{
		Max:           100,
		Burst:         50,
		Window:        time.Minute,
		BlockDuration: 5 * time.Minute,
	}
}

type entry struct {
	count       int
	windowStart time.Time
	blocked     bool
	blockStart  time.Time
	lastSeen    time.Time
}

// Limiter tracks request counts per identifier (an IP or a username).
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	cfg Config
	now func() time.Time

	onDeny func(kind string)
}

// Option configures Limiter behavior.
type Option func(*Limiter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithDenyHook installs a callback invoked on every denial with the kind
// ("burst" or "blocked"), for metrics.
func WithDenyHook(fn func(kind string)) Option {
	return func(l *Limiter) {
		l.onDeny = fn
	}
}

// New constructs a limiter. Zero config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Burst <= 0 || cfg.Burst > cfg.Max {
		cfg.Burst = def.Burst
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	l := &Limiter{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether one unit of work from identifier may proceed. The
// read-increment-compare sequence runs under one lock so concurrent callers
// cannot slip past the thresholds.
func (l *Limiter) Allow(identifier string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identifier]
	if !ok {
		e = &entry{windowStart: now}
		l.entries[identifier] = e
	}
	e.lastSeen = now

	if e.blocked {
		if now.Sub(e.blockStart) < l.cfg.BlockDuration {
			l.deny("blocked")
			return false
		}
		// Block served; start over with a clean window.
		e.blocked = false
		e.count = 0
		e.windowStart = now
	}

	if now.Sub(e.windowStart) > l.cfg.Window {
		e.count = 0
		e.windowStart = now
	}

	e.count++
	if e.count > l.cfg.Max {
		e.blocked = true
		e.blockStart = now
		l.deny("blocked")
		return false
	}
	if e.count > l.cfg.Burst {
		l.deny("burst")
		return false
	}
	return true
}

// Sweep drops entries idle longer than ttl and returns how many were removed.
// Intended for a periodic ticker, off the hot path.
func (l *Limiter) Sweep(ttl time.Duration) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, e := range l.entries {
		if now.Sub(e.lastSeen) > ttl {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

func (l *Limiter) deny(kind string) {
	if l.onDeny != nil {
		l.onDeny(kind)
	}
}
