// Package token issues and verifies signed, time-bounded credentials.
//
// Two encodings share one payload shape. Bearer tokens are
// base64url(payload-json) "." base64url(mac). Session tokens keep the payload
// as raw JSON so the IP claim stays readable to proxies and log tooling:
// payload-json "." base64url(mac). Both are two-part and dot-separated.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"aegis.dev/internal/ids"
)

var (
	ErrMalformed    = errors.New("token: malformed")
	ErrBadSignature = errors.New("token: bad signature")
	ErrExpired      = errors.New("token: expired")
)

// Claims is the authenticated payload carried by a token.
type Claims struct {
	Subject   string `json:"sub"`
	IP        string `json:"ip,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	ID        string `json:"jti"`
}

// Service signs and verifies tokens with a keyed MAC. It holds no mutable
// state and is safe for concurrent use.
type Service struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a token service signing with the given secret.
func NewService(secret []byte, ttl time.Duration, opts ...Option) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token: ttl must be greater than zero")
	}
	svc := &Service{
		key: append([]byte(nil), secret...),
		ttl: ttl,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// TTL reports the configured token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue produces a bearer token for subject expiring after the configured TTL.
func (s *Service) Issue(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("token: subject is required")
	}
	payload, err := s.encodePayload(subject, "")
	if err != nil {
		return "", err
	}
	segment := base64.RawURLEncoding.EncodeToString(payload)
	return segment + "." + s.signSegment(segment), nil
}

// Verify checks a bearer token's signature and expiry and returns its claims.
func (s *Service) Verify(tok string) (Claims, error) {
	left, right, ok := splitToken(tok)
	if !ok {
		return Claims{}, ErrMalformed
	}
	if !s.verifySegment(left, right) {
		return Claims{}, ErrBadSignature
	}
	payload, err := base64.RawURLEncoding.DecodeString(left)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	return s.decodePayload(payload)
}

// IssueBound produces a session token carrying an IP claim. The payload stays
// raw JSON per the session token wire contract.
func (s *Service) IssueBound(subject, ip string) (string, error) {
	subject = strings.TrimSpace(subject)
	ip = strings.TrimSpace(ip)
	if subject == "" || ip == "" {
		return "", errors.New("token: subject and ip are required")
	}
	payload, err := s.encodePayload(subject, ip)
	if err != nil {
		return "", err
	}
	return string(payload) + "." + s.signSegment(string(payload)), nil
}

// VerifyBound checks a session token's signature and expiry and returns its
// claims, including the bound IP.
func (s *Service) VerifyBound(tok string) (Claims, error) {
	left, right, ok := splitToken(tok)
	if !ok {
		return Claims{}, ErrMalformed
	}
	if !s.verifySegment(left, right) {
		return Claims{}, ErrBadSignature
	}
	return s.decodePayload([]byte(left))
}

func (s *Service) encodePayload(subject, ip string) ([]byte, error) {
	now := s.now().UTC()
	claims := Claims{
		Subject:   subject,
		IP:        ip,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
		ID:        ids.New(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Service) decodePayload(payload []byte) (Claims, error) {
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == 0 {
		return Claims{}, ErrMalformed
	}
	if s.now().Unix() > claims.ExpiresAt {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

func (s *Service) signSegment(segment string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(segment))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Service) verifySegment(segment, signature string) bool {
	got, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(segment))
	// hmac.Equal is constant-time.
	return hmac.Equal(got, mac.Sum(nil))
}

// splitToken separates the payload from the MAC segment. The split is on the
// last dot: session payloads are raw JSON and contain dots in IPv4 claims,
// while the MAC segment is base64url and dot-free.
func splitToken(tok string) (payload, signature string, ok bool) {
	idx := strings.LastIndex(tok, ".")
	if idx <= 0 || idx == len(tok)-1 {
		return "", "", false
	}
	return tok[:idx], tok[idx+1:], true
}
