// Package memory provides the in-process work queue implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/llmrank/domain-runner/internal/sweep"
)

// Store tracks the domain backlog. Task state lives behind per-task locks so
// a claim from a live sweep never contends with watchdog reconciliation on a
// global queue lock.
type Store struct {
	clock      sweep.Clock
	maxRetries int

	mu    sync.RWMutex // guards map structure only
	tasks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	task sweep.DomainTask
}

// NewStore builds a Store preloaded with one Pending task per domain.
func NewStore(domains []string, maxRetries int, clock sweep.Clock) *Store {
	s := &Store{
		clock:      clock,
		maxRetries: maxRetries,
		tasks:      make(map[string]*entry, len(domains)),
	}
	for _, d := range domains {
		if _, ok := s.tasks[d]; ok {
			continue
		}
		s.tasks[d] = &entry{task: sweep.DomainTask{
			DomainID: d,
			Domain:   d,
			State:    sweep.TaskPending,
		}}
	}
	return s
}

// candidate carries the ordering keys for one claimable entry, copied under
// the entry's lock so sorting never reads live task state.
type candidate struct {
	e             *entry
	domainID      string
	lastAttemptAt *time.Time
}

// ClaimPending hands out up to limit Pending tasks, oldest attempt first with
// never-attempted tasks ahead, marking each InFlight before it is returned.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]sweep.DomainTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	if limit <= 0 {
		return nil, nil
	}

	entries := s.snapshot()
	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.task.State == sweep.TaskPending {
			var at *time.Time
			if e.task.LastAttemptAt != nil {
				t := *e.task.LastAttemptAt
				at = &t
			}
			candidates = append(candidates, candidate{
				e:             e,
				domainID:      e.task.DomainID,
				lastAttemptAt: at,
			})
		}
		e.mu.Unlock()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.lastAttemptAt == nil && b.lastAttemptAt != nil:
			return true
		case a.lastAttemptAt != nil && b.lastAttemptAt == nil:
			return false
		case a.lastAttemptAt == nil && b.lastAttemptAt == nil:
			return a.domainID < b.domainID
		default:
			return a.lastAttemptAt.Before(*b.lastAttemptAt)
		}
	})

	now := s.clock.Now()
	claimed := make([]sweep.DomainTask, 0, limit)
	for _, c := range candidates {
		c.e.mu.Lock()
		// Recheck under the lock: another claimer may have won the race
		// between the key snapshot and here.
		if c.e.task.State == sweep.TaskPending {
			c.e.task.State = sweep.TaskInFlight
			at := now
			c.e.task.LastAttemptAt = &at
			claimed = append(claimed, c.e.task)
		}
		c.e.mu.Unlock()
		if len(claimed) == limit {
			break
		}
	}
	return claimed, nil
}

// Complete settles one InFlight task from the aggregated dispatch outcome and
// returns the state the task landed in.
func (s *Store) Complete(_ context.Context, domainID string, outcome sweep.Outcome) (sweep.TaskState, error) {
	s.mu.RLock()
	e, ok := s.tasks[domainID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("complete %s: %w", domainID, sweep.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.State != sweep.TaskInFlight {
		return "", fmt.Errorf("complete %s: task is %s, not in flight", domainID, e.task.State)
	}

	e.task.AttemptCount++
	switch {
	case outcome.Success:
		e.task.State = sweep.TaskDone
		e.task.FailureReason = ""
	case outcome.Transient && e.task.AttemptCount < s.maxRetries:
		e.task.State = sweep.TaskPending
		e.task.FailureReason = outcome.Reason
	default:
		e.task.State = sweep.TaskFailed
		e.task.FailureReason = outcome.Reason
	}
	return e.task.State, nil
}

// RemainingCount counts tasks still owed work.
func (s *Store) RemainingCount(_ context.Context) (int, error) {
	count := 0
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if e.task.State == sweep.TaskPending || e.task.State == sweep.TaskInFlight {
			count++
		}
		e.mu.Unlock()
	}
	return count, nil
}

// CountByState returns the backlog broken down by task state.
func (s *Store) CountByState(_ context.Context) (map[sweep.TaskState]int, error) {
	counts := make(map[sweep.TaskState]int, 4)
	for _, e := range s.snapshot() {
		e.mu.Lock()
		counts[e.task.State]++
		e.mu.Unlock()
	}
	return counts, nil
}

// ReclaimStuck reverts InFlight tasks whose claim outlived the watchdog
// cutoff, so domains orphaned by a dead sweep are not silently lost.
func (s *Store) ReclaimStuck(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	reclaimed := 0
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if e.task.State == sweep.TaskInFlight &&
			e.task.LastAttemptAt != nil &&
			e.task.LastAttemptAt.Before(cutoff) {
			e.task.State = sweep.TaskPending
			reclaimed++
		}
		e.mu.Unlock()
	}
	return reclaimed, nil
}

// Task returns a copy of one task, mainly for tests and debugging.
func (s *Store) Task(domainID string) (sweep.DomainTask, bool) {
	s.mu.RLock()
	e, ok := s.tasks[domainID]
	s.mu.RUnlock()
	if !ok {
		return sweep.DomainTask{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, true
}

func (s *Store) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	return entries
}
