package models

import "github.com/pkg/errors"

var (
	// ErrInvalidFormat: tracking number does not match the carrier pattern.
	ErrInvalidFormat = errors.New("invalid tracking number format")
	// ErrProviderUnavailable: transport, timeout, 5xx or undecodable reply. Retryable.
	ErrProviderUnavailable = errors.New("carrier provider unavailable")
	ErrUnknownCarrier      = errors.New("unknown carrier")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrCaseNotFound        = errors.New("case not found")
	ErrValidation          = errors.New("validation failed")
	ErrRateLimited         = errors.New("carrier rate limit exceeded")
)
