// Package memory provides an in-process crawl lock for single-node
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llmrank/domain-runner/internal/sweep"
)

// Locker guards the crawl lock with a single critical section. A lock whose
// age exceeds its TTL is replaced atomically on the next Acquire.
type Locker struct {
	mu    sync.Mutex
	clock sweep.Clock
	ids   sweep.IDGenerator
	cur   *heldLock
}

type heldLock struct {
	token      string
	holder     string
	acquiredAt time.Time
	ttl        time.Duration
}

// New constructs a Locker.
func New(clock sweep.Clock, ids sweep.IDGenerator) *Locker {
	return &Locker{clock: clock, ids: ids}
}

// Acquire grants the lock to holder, replacing any expired lock in place.
// A fresh lock yields a DeniedError carrying the holder and remaining TTL.
func (l *Locker) Acquire(_ context.Context, holder string, ttl time.Duration) (sweep.Grant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.cur != nil {
		age := now.Sub(l.cur.acquiredAt)
		if age <= l.cur.ttl {
			return sweep.Grant{}, &sweep.DeniedError{
				Holder:    l.cur.holder,
				Remaining: l.cur.ttl - age,
			}
		}
	}

	token, err := l.ids.NewID()
	if err != nil {
		return sweep.Grant{}, fmt.Errorf("generate lock token: %w", err)
	}
	l.cur = &heldLock{
		token:      token,
		holder:     holder,
		acquiredAt: now,
		ttl:        ttl,
	}
	return sweep.Grant{Token: token, AcquiredAt: now, TTL: ttl}, nil
}

// Release clears the lock iff token matches the current holder; a stale
// token is a no-op so an old sweep cannot release a newer sweep's lock.
func (l *Locker) Release(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur != nil && l.cur.token == token {
		l.cur = nil
	}
	return nil
}

// Status reports the raw lock fact without judging staleness; callers compare
// HolderAge against TTL when they need the expired view.
func (l *Locker) Status(_ context.Context) (sweep.LockStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil {
		return sweep.LockStatus{}, nil
	}
	return sweep.LockStatus{
		Held:      true,
		Holder:    l.cur.holder,
		HolderAge: l.clock.Now().Sub(l.cur.acquiredAt),
		TTL:       l.cur.ttl,
	}, nil
}
