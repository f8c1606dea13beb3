package models

import "errors"

// Key validation failures are caller errors, not dependency failures.
// KeyExpired and KeyRevoked are terminal: no retry will succeed.
var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrKeyExpired = errors.New("api key expired")
	ErrKeyRevoked = errors.New("api key revoked")
)
