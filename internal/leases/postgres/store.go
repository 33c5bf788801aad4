// Package postgres stores poller leases in Postgres. Expiry is judged by the
// database clock so instances with skewed clocks agree on the holder.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/cctp-bridge/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ leases.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

const claimSQL = `
INSERT INTO poller_leases (name, owner, term, expires_at)
VALUES ($1, $2, 1, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (name) DO UPDATE
SET owner = EXCLUDED.owner,
	term = CASE
		WHEN poller_leases.owner = EXCLUDED.owner AND poller_leases.expires_at > now()
		THEN poller_leases.term
		ELSE poller_leases.term + 1
	END,
	expires_at = EXCLUDED.expires_at,
	updated_at = now()
WHERE poller_leases.owner = EXCLUDED.owner OR poller_leases.expires_at <= now()
RETURNING owner, term, expires_at
`

func (s *Store) Claim(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if name == "" || owner == "" || ttl <= 0 {
		return leases.Lease{}, false, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, claimSQL, name, owner, ttlMilliseconds(ttl)).Scan(&l.Owner, &l.Term, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Live lease held by someone else; the WHERE clause skipped the update.
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: claim: %w", err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE poller_leases
		SET expires_at = LEAST(expires_at, now()), updated_at = now()
		WHERE name = $1 AND owner = $2
	`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, gerr := s.Get(ctx, name)
	switch {
	case errors.Is(gerr, leases.ErrNotFound):
		return nil
	case gerr != nil:
		return gerr
	case cur.Owner != owner:
		return leases.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `SELECT owner, term, expires_at FROM poller_leases WHERE name = $1`, name).
		Scan(&l.Owner, &l.Term, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}
	return l, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
