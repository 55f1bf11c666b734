package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	totpStep   = 30 * time.Second
	totpDigits = 1000000
	totpSkew   = 1 // accepted steps either side of now
)

// NewTOTPSecret returns a fresh base32-encoded shared secret.
func NewTOTPSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// TOTPCode computes the six-digit code for the step containing t.
func TOTPCode(secret string, t time.Time) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode totp secret: %w", err)
	}
	counter := uint64(t.Unix()) / uint64(totpStep/time.Second)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha256.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0xF
	code := (binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7FFFFFFF) % totpDigits
	return fmt.Sprintf("%06d", code), nil
}

// ValidateTOTP reports whether code matches the secret within the allowed
// step skew. Comparison is constant-time.
func ValidateTOTP(secret, code string, t time.Time) bool {
	if code == "" {
		return false
	}
	for step := -totpSkew; step <= totpSkew; step++ {
		want, err := TOTPCode(secret, t.Add(time.Duration(step)*totpStep))
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return true
		}
	}
	return false
}
