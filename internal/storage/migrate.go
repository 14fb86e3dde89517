package storage

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const schemaName = "valetdrive-core"

// EnsureSchema applies the embedded schema. The DDL is idempotent; the
// recorded hash skips the replay when this revision has already landed.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT NOT NULL,
	hash TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (name, hash)
);`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	hash := fmt.Sprintf("%x", sha256.Sum256([]byte(schemaSQL)))
	var applied bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1 AND hash=$2)`,
		schemaName, hash).Scan(&applied)
	if err != nil {
		return fmt.Errorf("check schema revision: %w", err)
	}
	if applied {
		return nil
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO schema_migrations (name, hash) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		schemaName, hash)
	return err
}
