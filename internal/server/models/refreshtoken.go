package models

import "time"

// RefreshToken is the server-side record of one refresh token. The raw token
// string is never persisted; SecretHash holds a SHA-256 digest of it and
// validation always recomputes and compares the digest.
type RefreshToken struct {
	TokenID    string
	OwnerID    string
	SecretHash string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  *time.Time
}

// Valid reports whether the token is usable at the given instant:
// not revoked and not yet expired. Revocation is monotonic; a record never
// transitions back to valid.
func (rt *RefreshToken) Valid(now time.Time) bool {
	return !rt.Revoked && now.Before(rt.ExpiresAt)
}

// Older reports whether rt was issued before other, breaking issuedAt ties
// by TokenID so eviction order is deterministic.
func (rt *RefreshToken) Older(other *RefreshToken) bool {
	if !rt.IssuedAt.Equal(other.IssuedAt) {
		return rt.IssuedAt.Before(other.IssuedAt)
	}
	return rt.TokenID < other.TokenID
}
