// Package redis implements the crawl lock on Redis. Key expiry does the
// staleness work: an expired lock vanishes and the next SetNX wins.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llmrank/domain-runner/internal/sweep"
)

const lockKey = "domain-runner:crawl-lock"

// releaseScript deletes the lock only when the stored token matches, so a
// straggling old sweep can never release a newer sweep's lock.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
    return 0
end
local obj = cjson.decode(v)
if obj.token == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

type lockRecord struct {
	Token      string    `json:"token"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

// LockStore implements sweep.Locker backed by a single Redis key.
type LockStore struct {
	client *redis.Client
	clock  sweep.Clock
	ids    sweep.IDGenerator
}

var _ sweep.Locker = (*LockStore)(nil)

// NewLockStore constructs a LockStore over an existing client.
func NewLockStore(client *redis.Client, clock sweep.Clock, ids sweep.IDGenerator) (*LockStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &LockStore{client: client, clock: clock, ids: ids}, nil
}

// Close releases the underlying client.
func (s *LockStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// Acquire grants the lock via SetNX with the TTL as key expiry. A fresh lock
// yields a DeniedError with the holder and remaining expiry.
func (s *LockStore) Acquire(ctx context.Context, holder string, ttl time.Duration) (sweep.Grant, error) {
	token, err := s.ids.NewID()
	if err != nil {
		return sweep.Grant{}, fmt.Errorf("generate lock token: %w", err)
	}
	now := s.clock.Now().UTC()
	record := lockRecord{
		Token:      token,
		Holder:     holder,
		AcquiredAt: now,
		TTLSeconds: int64(ttl.Seconds()),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return sweep.Grant{}, fmt.Errorf("marshal lock record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, lockKey, payload, ttl).Result()
	if err != nil {
		return sweep.Grant{}, fmt.Errorf("setnx crawl lock: %w", err)
	}
	if !ok {
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
	return sweep.Grant{Token: token, AcquiredAt: now, TTL: ttl}, nil
}

// Release deletes the lock iff token matches; a stale token is a no-op.
func (s *LockStore) Release(ctx context.Context, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{lockKey}, token).Err(); err != nil {
		return fmt.Errorf("release crawl lock: %w", err)
	}
	return nil
}

// Status reports the current lock record; a missing or expired key means the
// lock is not held.
func (s *LockStore) Status(ctx context.Context) (sweep.LockStatus, error) {
	raw, err := s.client.Get(ctx, lockKey).Bytes()
	if err == redis.Nil {
		return sweep.LockStatus{}, nil
	}
	if err != nil {
		return sweep.LockStatus{}, fmt.Errorf("get crawl lock: %w", err)
	}
	var record lockRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return sweep.LockStatus{}, fmt.Errorf("decode crawl lock: %w", err)
	}
	return sweep.LockStatus{
		Held:      true,
		Holder:    record.Holder,
		HolderAge: s.clock.Now().UTC().Sub(record.AcquiredAt),
		TTL:       time.Duration(record.TTLSeconds) * time.Second,
	}, nil
}
