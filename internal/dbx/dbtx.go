// Package dbx holds the small database/sql plumbing the refresh token
// repository builds on: DBTX, an interface satisfied by both *sql.DB and
// *sql.Tx so queries can run inside or outside a transaction, and WithTx
// for the capped-insert path that must lock and insert atomically.
package dbx

import (
	"context"
	"database/sql"
)

// DBTX is the subset of database/sql the token repository needs. Both
// *sql.DB and *sql.Tx satisfy it, so repository methods do not care
// whether they run transactionally.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx begins a transaction, runs fn against it, and commits on success
// or rolls back on error/panic. Panics are rethrown after rollback.
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    _, err := tx.ExecContext(ctx, "SELECT ... FOR UPDATE")
//	    return err
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}
