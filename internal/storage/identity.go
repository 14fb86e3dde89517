package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"valetdrive/internal/booking"
)

type IdentityStore struct {
	pool *pgxpool.Pool
}

func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

func (s *IdentityStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	token TEXT UNIQUE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ
);
`)
	return err
}

func (s *IdentityStore) Save(ctx context.Context, ident booking.Identity, ttl time.Duration) (booking.Identity, error) {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO identities (id, role, token, expires_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
`, ident.ID, ident.Role, ident.Token, expires)
	if err != nil {
		return booking.Identity{}, err
	}
	ident.ExpiresAt = expires
	return ident, nil
}

func (s *IdentityStore) Lookup(ctx context.Context, token string) (booking.Identity, bool, error) {
	var ident booking.Identity
	var expires *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT id, role, token, expires_at FROM identities WHERE token = $1
`, token).Scan(&ident.ID, &ident.Role, &ident.Token, &expires)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return booking.Identity{}, false, err
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Identity{}, false, nil
		}
		return booking.Identity{}, false, err
	}
	if expires != nil && expires.Before(time.Now()) {
		return booking.Identity{}, false, nil
	}
	ident.ExpiresAt = expires
	return ident, true, nil
}

func (s *IdentityStore) All(ctx context.Context) ([]booking.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, role, token, expires_at FROM identities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []booking.Identity
	for rows.Next() {
		var ident booking.Identity
		if err := rows.Scan(&ident.ID, &ident.Role, &ident.Token, &ident.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}
