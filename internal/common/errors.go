// Package common defines shared constants and sentinel errors used across
// tokenvault components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound         = errors.New("not found")
	ErrDuplicateTokenID = errors.New("duplicate token id")

	// ErrStoreUnavailable marks transient backend failures. It must never be
	// collapsed into a token-validity error: a store outage is a 5xx, not a
	// reason to force re-authentication.
	ErrStoreUnavailable = errors.New("store unavailable")

	// Token errors. Both are deliberately generic: callers never learn
	// whether a signature, expiry, lookup, or replay check failed.
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)
