package auth

import "time"

// Identity is one credentialed principal. Records are created on registration
// and mutated only by the Registry on authentication attempts.
type Identity struct {
	Username       string
	PasswordHash   string
	Role           string
	FailedAttempts int
	LastFailedAt   time.Time
	Locked         bool
	TOTPSecret     string
	CreatedAt      time.Time
}
