package server

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrijs2005/tokenvault/internal/server/config"
	"github.com/dmitrijs2005/tokenvault/internal/server/migrations"
	"github.com/dmitrijs2005/tokenvault/internal/server/repositories/refreshtokens"
)

// newStore builds the refresh token repository for the configured backend
// and returns a closer for its underlying connection, if any.
func newStore(ctx context.Context, cfg *config.Config) (refreshtokens.Repository, func() error, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		db, err := sql.Open("pgx", cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("pinging database: %w", err)
		}
		if err := runMigrations(ctx, db); err != nil {
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		return refreshtokens.NewPostgresRepository(db), db.Close, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("pinging redis: %w", err)
		}
		return refreshtokens.NewRedisRepository(client), client.Close, nil

	case config.StoreMemory:
		return refreshtokens.NewInMemoryRepository(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// runMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
