package service

import "errors"

// Outcome kinds surfaced to the transport layer. Wrong-code, expired, and
// not-found all collapse into ErrInvalidOrExpired so callers cannot probe
// which emails have a pending challenge.
var (
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrInvalidCodeFormat = errors.New("OTP must be a 6-digit number")
	ErrInvalidOrExpired  = errors.New("invalid or expired OTP")
	ErrTooManyAttempts   = errors.New("too many failed attempts")
	ErrRateLimited       = errors.New("please wait before requesting a new OTP")
	ErrDeliveryFailed    = errors.New("failed to send OTP")
	ErrInternal          = errors.New("internal error")
)
