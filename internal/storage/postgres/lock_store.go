package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/llmrank/domain-runner/internal/sweep"
)

// LockStore implements sweep.Locker on a single-row Postgres table. The
// conditional upsert makes steal-if-expired atomic across instances:
//
//	CREATE TABLE crawl_lock (
//	    id          int PRIMARY KEY,
//	    token       text NOT NULL,
//	    holder      text NOT NULL,
//	    acquired_at timestamptz NOT NULL,
//	    ttl_seconds bigint NOT NULL
//	);
type LockStore struct {
	pool  querier
	clock sweep.Clock
	ids   sweep.IDGenerator
}

var _ sweep.Locker = (*LockStore)(nil)

// NewLockStore constructs a LockStore over an existing pool.
func NewLockStore(pool querier, clock sweep.Clock, ids sweep.IDGenerator) (*LockStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &LockStore{pool: pool, clock: clock, ids: ids}, nil
}

// Close releases the underlying pool resources.
func (s *LockStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Acquire grants the crawl lock, replacing an expired one in the same
// statement. A fresh lock yields a DeniedError with the holder and remaining
// TTL read back from the current row.
func (s *LockStore) Acquire(ctx context.Context, holder string, ttl time.Duration) (sweep.Grant, error) {
	token, err := s.ids.NewID()
	if err != nil {
		return sweep.Grant{}, fmt.Errorf("generate lock token: %w", err)
	}
	now := s.clock.Now().UTC()

	const query = `
		INSERT INTO crawl_lock (id, token, holder, acquired_at, ttl_seconds)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET token = EXCLUDED.token,
		    holder = EXCLUDED.holder,
		    acquired_at = EXCLUDED.acquired_at,
		    ttl_seconds = EXCLUDED.ttl_seconds
		WHERE crawl_lock.acquired_at + make_interval(secs => crawl_lock.ttl_seconds) < EXCLUDED.acquired_at
		RETURNING token;
	`
	var got string
	err = s.pool.QueryRow(ctx, query, token, holder, now, int64(ttl.Seconds())).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		// The upsert condition failed: the existing lock is still fresh.
		cur, statusErr := s.Status(ctx)
		if statusErr != nil {
			return sweep.Grant{}, fmt.Errorf("acquire lock denied, status: %w", statusErr)
		}
		remaining := cur.TTL - cur.HolderAge
		if remaining < 0 {
			remaining = 0
		}
		return sweep.Grant{}, &sweep.DeniedError{Holder: cur.Holder, Remaining: remaining}
	}
	if err != nil {
		return sweep.Grant{}, fmt.Errorf("acquire lock: %w", err)
	}
	return sweep.Grant{Token: got, AcquiredAt: now, TTL: ttl}, nil
}

// Release deletes the lock row iff token matches; a stale token is a no-op.
func (s *LockStore) Release(ctx context.Context, token string) error {
	const query = `DELETE FROM crawl_lock WHERE id = 1 AND token = $1;`
	if _, err := s.pool.Exec(ctx, query, token); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Status reports the raw lock row without judging staleness.
func (s *LockStore) Status(ctx context.Context) (sweep.LockStatus, error) {
	const query = `SELECT holder, acquired_at, ttl_seconds FROM crawl_lock WHERE id = 1;`
	var (
		holder     string
		acquiredAt time.Time
		ttlSeconds int64
	)
	err := s.pool.QueryRow(ctx, query).Scan(&holder, &acquiredAt, &ttlSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return sweep.LockStatus{}, nil
	}
	if err != nil {
		return sweep.LockStatus{}, fmt.Errorf("lock status: %w", err)
	}
	return sweep.LockStatus{
		Held:      true,
		Holder:    holder,
		HolderAge: s.clock.Now().UTC().Sub(acquiredAt),
		TTL:       time.Duration(ttlSeconds) * time.Second,
	}, nil
}
