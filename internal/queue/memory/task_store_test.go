package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmrank/domain-runner/internal/sweep"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStore_ClaimPendingNeverHandsOutTwice(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0)}
	s := NewStore([]string{"a.com", "b.com", "c.com"}, 3, clock)

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]int{}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tasks, err := s.ClaimPending(context.Background(), 3)
			require.NoError(t, err)
			mu.Lock()
			for _, task := range tasks {
				seen[task.DomainID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, 3)
	for id, n := range seen {
		require.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestStore_ClaimRacesCompleteAndReclaimSafely(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0)}
	domains := []string{"a.com", "b.com", "c.com", "d.com", "e.com"}
	s := NewStore(domains, 10, clock)

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			tasks, err := s.ClaimPending(context.Background(), 2)
			require.NoError(t, err)
			for _, task := range tasks {
				// The watchdog may revert a claim back to Pending first;
				// any other completion failure is a real bug.
				_, err := s.Complete(context.Background(), task.DomainID, sweep.Outcome{Transient: true, Reason: "retry"})
				if err != nil {
					require.ErrorContains(t, err, "not in flight")
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := s.ClaimPending(context.Background(), 2)
			require.NoError(t, err)
			clock.Advance(time.Second)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := s.ReclaimStuck(context.Background(), 0)
			require.NoError(t, err)
		}
	}()
	wg.Wait()

	counts, err := s.CountByState(context.Background())
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	require.Equal(t, len(domains), total)
}

func TestStore_ClaimOrdersOldestAttemptFirst(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0)}
	s := NewStore([]string{"a.com", "b.com"}, 3, clock)

	tasks, err := s.ClaimPending(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	state, err := s.Complete(context.Background(), tasks[0].DomainID, sweep.Outcome{
		Transient: true, Reason: "timeout",
	})
	require.NoError(t, err)
	require.Equal(t, sweep.TaskPending, state)

	// The never-attempted task wins over the one that already failed once.
	clock.Advance(time.Minute)
	tasks, err = s.ClaimPending(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NotEqual(t, "a.com", tasks[0].DomainID)
}

func TestStore_TransientFailuresRetryUntilBudgetExhausted(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0)}
	s := NewStore([]string{"a.com"}, 3, clock)

	for attempt := 1; attempt <= 3; attempt++ {
		tasks, err := s.ClaimPending(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, tasks, 1, "attempt %d should still be claimable", attempt)
		state, err := s.Complete(context.Background(), "a.com", sweep.Outcome{
			Transient: true, Reason: "all providers timed out",
		})
		require.NoError(t, err)
		if attempt < 3 {
			require.Equal(t, sweep.TaskPending, state)
		} else {
			require.Equal(t, sweep.TaskFailed, state)
		}
	}

	task, ok := s.Task("a.com")
	require.True(t, ok)
	require.Equal(t, sweep.TaskFailed, task.State)
	require.Equal(t, 3, task.AttemptCount)
	require.Equal(t, "all providers timed out", task.FailureReason)

	tasks, err := s.ClaimPending(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestStore_PermanentFailureSkipsRetry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0)}
	s := NewStore([]string{"a.com"}, 5, clock)

	_, err := s.ClaimPending(context.Background(), 1)
	require.NoError(t, err)
	state, err := s.Complete(context.Background(), "a.com", sweep.Outcome{
		Transient: false, Reason: "malformed domain",
	})
	require.NoError(t, err)
	require.Equal(t, sweep.TaskFailed, state)

	task, ok := s.Task("a.com")
	require.True(t, ok)
	require.Equal(t, sweep.TaskFailed, task.State)
	require.Equal(t, 1, task.AttemptCount)
}

func TestStore_CompleteRequiresInFlight(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0)}
	s := NewStore([]string{"a.com"}, 3, clock)

	_, err := s.Complete(context.Background(), "a.com", sweep.Outcome{Success: true})
	require.Error(t, err)

	_, err = s.Complete(context.Background(), "missing.com", sweep.Outcome{Success: true})
	require.ErrorIs(t, err, sweep.ErrNotFound)
}

func TestStore_ReclaimStuckRevertsOrphanedTasks(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0)}
	s := NewStore([]string{"a.com", "b.com"}, 3, clock)

	tasks, err := s.ClaimPending(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	// Within the watchdog window nothing is reclaimed.
	clock.Advance(10 * time.Minute)
	n, err := s.ReclaimStuck(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(25 * time.Minute)
	n, err = s.ReclaimStuck(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	remaining, err := s.RemainingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, remaining)
}

func TestStore_Counts(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0)}
	s := NewStore([]string{"a.com", "b.com", "c.com"}, 3, clock)

	tasks, err := s.ClaimPending(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	_, err = s.Complete(context.Background(), tasks[0].DomainID, sweep.Outcome{Success: true})
	require.NoError(t, err)
	_, err = s.Complete(context.Background(), tasks[1].DomainID, sweep.Outcome{Reason: "bad"})
	require.NoError(t, err)

	remaining, err := s.RemainingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, remaining)

	counts, err := s.CountByState(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts[sweep.TaskPending])
	require.Equal(t, 1, counts[sweep.TaskDone])
	require.Equal(t, 1, counts[sweep.TaskFailed])
}
