package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE raised when a key is claimed twice.
const pgUniqueViolation = "23505"

var errStoreNotReady = errors.New("idempotency store not initialised")

// IdempotencyStore persists claimed keys in idempotency_keys so an action
// completes at most once across every API instance.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

// CheckAndInsert claims key for module. A key claimed before, by any module,
// yields ErrIdempotencyConflict.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.pool == nil {
		return errStoreNotReady
	}
	switch {
	case key == "":
		return errors.New("idempotency key required")
	case module == "":
		return errors.New("idempotency module required")
	}
	const insert = `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, insert, key, module, s.now().UTC()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrIdempotencyConflict
		}
		return fmt.Errorf("claim idempotency key %s: %w", key, err)
	}
	return nil
}

// Delete releases key so a failed action can be attempted again.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("release idempotency key %s: %w", key, err)
	}
	return nil
}

// Expired lists up to limit keys of module claimed more than olderThan ago,
// oldest first.
func (s *IdempotencyStore) Expired(ctx context.Context, module string, olderThan time.Duration, limit int) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, errStoreNotReady
	}
	cutoff := s.now().UTC().Add(-olderThan)
	rows, err := s.pool.Query(ctx, `SELECT key FROM idempotency_keys WHERE module = $1 AND created_at < $2 ORDER BY created_at LIMIT $3`, module, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired idempotency keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list expired idempotency keys: %w", err)
	}
	return keys, nil
}

// DeleteKeys removes keys and reports how many rows went.
func (s *IdempotencyStore) DeleteKeys(ctx context.Context, keys []string) (int64, error) {
	if s == nil || s.pool == nil || len(keys) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = ANY($1)`, keys)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
