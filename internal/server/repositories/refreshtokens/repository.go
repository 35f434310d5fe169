// Package refreshtokens declares the server-side repository contract for
// refresh token records in persistent storage, plus PostgreSQL, Redis, and
// in-memory implementations.
package refreshtokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/tokenvault/internal/server/models"
)

// Repository is the durable bookkeeping behind refresh token rotation.
// Implementations must make every mutation a single atomic operation against
// the backing store; in particular Revoke is the replay-detection primitive
// and must never be a read-then-write pair.
type Repository interface {
	// Insert persists a new record. Returns common.ErrDuplicateTokenID when
	// the token id already exists.
	Insert(ctx context.Context, rec *models.RefreshToken) error

	// FindByID returns the record for the given token id, or
	// common.ErrNotFound.
	FindByID(ctx context.Context, tokenID string) (*models.RefreshToken, error)

	// Revoke sets revoked=true and stamps revokedAt, but only if the record
	// is currently unrevoked. The returned bool reports whether this call
	// changed state: under concurrent rotation exactly one caller sees true.
	// Revoking an absent or already-revoked record returns (false, nil).
	Revoke(ctx context.Context, tokenID string) (bool, error)

	// ListValidByOwner returns the owner's unrevoked, unexpired records,
	// newest first (issuedAt descending, token id descending on ties).
	ListValidByOwner(ctx context.Context, ownerID string, now time.Time) ([]*models.RefreshToken, error)

	// RevokeAllByOwner revokes every unrevoked record of the owner and
	// returns how many changed state.
	RevokeAllByOwner(ctx context.Context, ownerID string) (int, error)

	// DeleteExpired hard-deletes records whose expiry has passed, revoked or
	// not, and returns the count.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// CappedInserter is optionally implemented by stores that can run
// count-evict-insert atomically per owner, turning the active-token cap from
// a best-effort bound into a hard one. The lifecycle service upgrades to it
// when available.
type CappedInserter interface {
	// InsertCapped inserts rec after revoking the owner's oldest valid
	// records so that at most maxActive remain valid (rec included).
	// Returns the number of records evicted.
	InsertCapped(ctx context.Context, rec *models.RefreshToken, maxActive int) (int, error)
}
