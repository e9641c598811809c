package session

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrCannotIssue is returned by a verify-only manager asked to issue a token.
	ErrCannotIssue = errors.New("token issuing not configured")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
