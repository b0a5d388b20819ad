package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PostgresGateway stores values in a single kv table.
type PostgresGateway struct {
	pool *pgxpool.Pool
}

func NewPostgresGateway(pool *pgxpool.Pool) *PostgresGateway {
	return &PostgresGateway{pool: pool}
}

// Migrate creates the kv table if it does not exist.
func (g *PostgresGateway) Migrate(ctx context.Context) error {
	if _, err := g.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create kv table: %w", err)
	}
	return nil
}

func (g *PostgresGateway) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := g.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

func (g *PostgresGateway) Set(ctx context.Context, key string, value []byte) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

func (g *PostgresGateway) Close() error {
	g.pool.Close()
	return nil
}
