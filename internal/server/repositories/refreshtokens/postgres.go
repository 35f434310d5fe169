package refreshtokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrijs2005/tokenvault/internal/common"
	"github.com/dmitrijs2005/tokenvault/internal/dbx"
	"github.com/dmitrijs2005/tokenvault/internal/server/models"
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint hits.
const pgUniqueViolation = "23505"

// PostgresRepository implements Repository over database/sql with the pgx
// stdlib driver. Every mutation is a single conditional statement, so the
// row-level guarantees of PostgreSQL carry the rotation race.
type PostgresRepository struct {
	db *sql.DB

	// nowFunc is the revocation timestamp source, overridable in tests.
	nowFunc func() time.Time
}

var _ Repository = (*PostgresRepository)(nil)
var _ CappedInserter = (*PostgresRepository)(nil)

// NewPostgresRepository constructs a repository bound to the given database.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, nowFunc: time.Now}
}

// Insert persists a new record.
func (r *PostgresRepository) Insert(ctx context.Context, rec *models.RefreshToken) error {
	return r.insert(ctx, r.db, rec)
}

func (r *PostgresRepository) insert(ctx context.Context, q dbx.DBTX, rec *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (token_id, owner_id, secret_hash, issued_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, false)
	`
	if _, err := q.ExecContext(ctx, query,
		rec.TokenID, rec.OwnerID, rec.SecretHash, rec.IssuedAt, rec.ExpiresAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return common.ErrDuplicateTokenID
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// FindByID returns the record for the given token id.
// If not found, it returns common.ErrNotFound.
func (r *PostgresRepository) FindByID(ctx context.Context, tokenID string) (*models.RefreshToken, error) {
	query := `
		SELECT token_id, owner_id, secret_hash, issued_at, expires_at, revoked, revoked_at
		FROM refresh_tokens
		WHERE token_id = $1
	`
	rec := &models.RefreshToken{}
	var revokedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, tokenID).Scan(
		&rec.TokenID, &rec.OwnerID, &rec.SecretHash,
		&rec.IssuedAt, &rec.ExpiresAt, &rec.Revoked, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	return rec, nil
}

// Revoke flips revoked in one conditional UPDATE. Exactly one of any number
// of concurrent callers observes a state change.
func (r *PostgresRepository) Revoke(ctx context.Context, tokenID string) (bool, error) {
	return r.revoke(ctx, r.db, tokenID)
}

func (r *PostgresRepository) revoke(ctx context.Context, q dbx.DBTX, tokenID string) (bool, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked = true, revoked_at = $2
		WHERE token_id = $1 AND revoked = false
	`
	res, err := q.ExecContext(ctx, query, tokenID, r.nowFunc())
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return affected == 1, nil
}

// ListValidByOwner returns the owner's valid records, newest first.
func (r *PostgresRepository) ListValidByOwner(ctx context.Context, ownerID string, now time.Time) ([]*models.RefreshToken, error) {
	query := `
		SELECT token_id, owner_id, secret_hash, issued_at, expires_at, revoked, revoked_at
		FROM refresh_tokens
		WHERE owner_id = $1 AND revoked = false AND expires_at > $2
		ORDER BY issued_at DESC, token_id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var recs []*models.RefreshToken
	for rows.Next() {
		rec := &models.RefreshToken{}
		var revokedAt sql.NullTime
		if err := rows.Scan(&rec.TokenID, &rec.OwnerID, &rec.SecretHash,
			&rec.IssuedAt, &rec.ExpiresAt, &rec.Revoked, &revokedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if revokedAt.Valid {
			rec.RevokedAt = &revokedAt.Time
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return recs, nil
}

// RevokeAllByOwner bulk-revokes the owner's unrevoked records.
func (r *PostgresRepository) RevokeAllByOwner(ctx context.Context, ownerID string) (int, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked = true, revoked_at = $2
		WHERE owner_id = $1 AND revoked = false
	`
	res, err := r.db.ExecContext(ctx, query, ownerID, r.nowFunc())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(affected), nil
}

// DeleteExpired hard-deletes records past their expiry, revoked or not.
// It only ever touches rows no other operation can still act on, so it is
// safe to run concurrently with issuance and rotation.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(affected), nil
}

// InsertCapped runs count-evict-insert in one transaction. The FOR UPDATE
// lock on the owner's valid rows serializes concurrent issuance for the same
// owner, making the cap a hard bound on this backend.
func (r *PostgresRepository) InsertCapped(ctx context.Context, rec *models.RefreshToken, maxActive int) (int, error) {
	if maxActive <= 0 {
		return 0, r.insert(ctx, r.db, rec)
	}
	evicted := 0
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := `
			SELECT token_id
			FROM refresh_tokens
			WHERE owner_id = $1 AND revoked = false AND expires_at > $2
			ORDER BY issued_at ASC, token_id ASC
			FOR UPDATE
		`
		rows, err := tx.QueryContext(ctx, query, rec.OwnerID, rec.IssuedAt)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("db error: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		// Oldest first, keep at most maxActive-1 so the new record fits.
		for evicted < len(ids) && len(ids)-evicted >= maxActive {
			if _, err := r.revoke(ctx, tx, ids[evicted]); err != nil {
				return err
			}
			evicted++
		}

		return r.insert(ctx, tx, rec)
	})
	if err != nil {
		return 0, err
	}
	return evicted, nil
}
