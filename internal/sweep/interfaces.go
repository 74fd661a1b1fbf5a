package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld is returned by Locker.Acquire when a non-expired lock exists.
var ErrLockHeld = errors.New("crawl lock held")

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// DeniedError carries the current holder's identity and remaining TTL so
// callers can report why acquisition was declined.
type DeniedError struct {
	Holder    string
	Remaining time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("crawl lock held by %s for another %s", e.Holder, e.Remaining)
}

// Unwrap lets errors.Is match ErrLockHeld.
func (e *DeniedError) Unwrap() error {
	return ErrLockHeld
}

// Locker guards the single "a sweep is running" fact. Acquire replaces a lock
// whose age exceeds its TTL; otherwise it returns a DeniedError. Acquire and
// Release are atomic with respect to concurrent callers; Status never blocks
// a holder.
type Locker interface {
	Acquire(ctx context.Context, holder string, ttl time.Duration) (Grant, error)
	Release(ctx context.Context, token string) error
	Status(ctx context.Context) (LockStatus, error)
}

// TaskStore holds the domain backlog. ClaimPending marks returned tasks
// InFlight so two concurrent callers never receive the same task.
type TaskStore interface {
	// ClaimPending returns up to limit Pending tasks ordered by oldest
	// last attempt (never-attempted first), transitioning them to InFlight.
	ClaimPending(ctx context.Context, limit int) ([]DomainTask, error)
	// Complete transitions an InFlight task to Done, back to Pending (failed
	// transiently with retry budget left), or to terminal Failed, and returns
	// the state the task landed in.
	Complete(ctx context.Context, domainID string, outcome Outcome) (TaskState, error)
	// RemainingCount counts tasks not yet in a terminal state.
	RemainingCount(ctx context.Context) (int, error)
	// CountByState returns the full state breakdown for status reporting.
	CountByState(ctx context.Context) (map[TaskState]int, error)
	// ReclaimStuck reverts InFlight tasks older than the cutoff back to
	// Pending and reports how many were reclaimed.
	ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error)
}

// Provider issues one model query for a domain and returns the raw payload.
type Provider interface {
	Name() string
	Query(ctx context.Context, domain string) ([]byte, error)
}

// BlobStore archives raw provider payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes sweep completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces sweep IDs and lock tokens.
type IDGenerator interface {
	NewID() (string, error)
}
