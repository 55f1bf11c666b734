package auth

import "errors"

var (
	ErrDuplicateIdentity  = errors.New("auth: duplicate identity")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrMFARequired        = errors.New("auth: mfa code required")
	ErrNotFound           = errors.New("auth: not found")
	ErrInvalidInput       = errors.New("auth: invalid input")
)
