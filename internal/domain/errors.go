package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrInvalidEntry = errors.New("domain: invalid audit entry")
)
