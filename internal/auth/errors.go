package auth

import "errors"

// Domain errors for the auth package.
var (
	// ErrTokenInvalid is returned for tokens that fail signature, expiry or
	// claim checks.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrMissingSecret is returned when signing or parsing without a secret.
	ErrMissingSecret = errors.New("auth: signing secret is empty")
)
