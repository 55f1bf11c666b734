// Package config loads service configuration from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"aegis.dev/internal/access"
)

// Config carries everything the process needs at startup.
type Config struct {
	Addr        string        `env:"AEGIS_ADDR" envDefault:":8080"`
	TokenSecret string        `env:"AEGIS_TOKEN_SECRET,notEmpty"`
	TokenTTL    time.Duration `env:"AEGIS_TOKEN_TTL" envDefault:"1h"`

	MaxFailedAttempts int `env:"AEGIS_MAX_FAILED_ATTEMPTS" envDefault:"5"`

	RateMax    int           `env:"AEGIS_RATE_MAX" envDefault:"100"`
	RateBurst  int           `env:"AEGIS_RATE_BURST" envDefault:"50"`
	RateWindow time.Duration `env:"AEGIS_RATE_WINDOW" envDefault:"1m"`
	RateBlock  time.Duration `env:"AEGIS_RATE_BLOCK" envDefault:"5m"`

	SweepInterval time.Duration `env:"AEGIS_SWEEP_INTERVAL" envDefault:"1m"`

	// HTTPRatePerSecond and HTTPRateBurst bound the transport-level token
	// bucket in front of every handler; the core limiter applies its own
	// per-identifier policy behind it.
	HTTPRatePerSecond int `env:"AEGIS_HTTP_RATE_PER_SECOND" envDefault:"50"`
	HTTPRateBurst     int `env:"AEGIS_HTTP_RATE_BURST" envDefault:"100"`

	// PGDSN enables durable identity persistence when set.
	PGDSN string `env:"AEGIS_PG_DSN"`

	// Roles is an optional JSON object mapping role names to permission
	// lists; the built-in mapping applies when empty.
	Roles string `env:"AEGIS_ROLES"`

	// BootstrapUsername registers an initial identity at startup when the
	// store does not already know it. Useful for fresh deployments.
	BootstrapUsername string `env:"AEGIS_BOOTSTRAP_USERNAME"`
	BootstrapPassword string `env:"AEGIS_BOOTSTRAP_PASSWORD"`
	BootstrapRole     string `env:"AEGIS_BOOTSTRAP_ROLE" envDefault:"admin"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// RoleMap decodes the configured role mapping, falling back to the built-in
// defaults when none is supplied.
func (c Config) RoleMap() (map[string][]string, error) {
	if c.Roles == "" {
		return access.DefaultRoles(), nil
	}
	var roles map[string][]string
	if err := json.Unmarshal([]byte(c.Roles), &roles); err != nil {
		return nil, fmt.Errorf("decode AEGIS_ROLES: %w", err)
	}
	return roles, nil
}
