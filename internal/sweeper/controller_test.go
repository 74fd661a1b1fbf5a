package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmrank/domain-runner/internal/id/uuid"
	lockmem "github.com/llmrank/domain-runner/internal/lock/memory"
	queuemem "github.com/llmrank/domain-runner/internal/queue/memory"
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

// fakeDispatcher returns canned results per domain and can block until released.
type fakeDispatcher struct {
	mu       sync.Mutex
	results  func(task sweep.DomainTask) []sweep.ProviderResult
	calls    []string
	gate     chan struct{}
	gateOnce sync.Once
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, task sweep.DomainTask) []sweep.ProviderResult {
	d.mu.Lock()
	d.calls = append(d.calls, task.Domain)
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		d.gateOnce.Do(func() { close(gate) })
		<-ctx.Done()
	}
	if d.results != nil {
		return d.results(task)
	}
	return []sweep.ProviderResult{{
		DomainID: task.DomainID,
		Domain:   task.Domain,
		Provider: "openai",
		Status:   sweep.ProviderSuccess,
		Payload:  []byte(`{"ok":true}`),
	}}
}

func (d *fakeDispatcher) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type fakeBlobStore struct {
	mu    sync.Mutex
	paths []string
}

func (b *fakeBlobStore) PutObject(_ context.Context, path, _ string, _ []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

func (b *fakeBlobStore) Paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []any
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, payload)
	return "msg-1", nil
}

func (p *fakePublisher) Messages() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.messages...)
}

func newTestController(
	t *testing.T,
	domains []string,
	dispatch Dispatcher,
	blobs sweep.BlobStore,
	pub sweep.Publisher,
	cfg Config,
) (*Controller, *lockmem.Locker, *queuemem.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ids := uuid.NewUUIDGenerator()
	locker := lockmem.New(clock, ids)
	tasks := queuemem.NewStore(domains, 3, clock)
	ctrl := New(locker, tasks, dispatch, blobs, pub, clock, ids, nil, cfg, nil)
	return ctrl, locker, tasks, clock
}

func waitIdle(t *testing.T, ctrl *Controller) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ctrl.State() == StateIdle
	}, 5*time.Second, 5*time.Millisecond)
}

func TestControllerSweepDrainsAllDomains(t *testing.T) {
	t.Parallel()

	dispatch := &fakeDispatcher{}
	blobs := &fakeBlobStore{}
	pub := &fakePublisher{}
	ctrl, locker, tasks, _ := newTestController(
		t,
		[]string{"a.com", "b.com", "c.com", "d.com", "e.com"},
		dispatch, blobs, pub,
		Config{BatchSize: 2, Topic: "sweep-complete", BlobPrefix: "responses"},
	)

	sweepID, err := ctrl.Trigger(context.Background(), false)
	require.NoError(t, err)
	require.NotEmpty(t, sweepID)
	waitIdle(t, ctrl)

	require.Len(t, dispatch.Calls(), 5)

	last := ctrl.LastSweep()
	require.NotNil(t, last)
	require.Equal(t, sweepID, last.SweepID)
	require.Equal(t, 5, last.DomainsAttempted)
	require.Equal(t, 5, last.DomainsSucceeded)
	require.Zero(t, last.DomainsFailed)
	require.NotNil(t, last.EndedAt)
	require.Equal(t, "released", last.LockState)
	require.Empty(t, last.Error)

	// Lock released on the success path.
	st, err := locker.Status(context.Background())
	require.NoError(t, err)
	require.False(t, st.Held)

	// Every successful payload was archived under the sweep's prefix.
	require.Len(t, blobs.Paths(), 5)
	require.Contains(t, blobs.Paths()[0], "responses/"+sweepID+"/")

	// Completion event published once.
	require.Len(t, pub.Messages(), 1)

	counts, err := tasks.CountByState(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, counts[sweep.TaskDone])
}

func TestControllerReleasesLockOnDrainFailure(t *testing.T) {
	t.Parallel()

	// Two providers below the threshold of three leaves every domain failing
	// permanently; the sweep still completes and releases the lock.
	dispatch := &fakeDispatcher{
		results: func(task sweep.DomainTask) []sweep.ProviderResult {
			return []sweep.ProviderResult{
				{Domain: task.Domain, Provider: "openai", Status: sweep.ProviderSuccess, Payload: []byte(`{}`)},
				{Domain: task.Domain, Provider: "mistral", Status: sweep.ProviderError, Detail: "401 unauthorized"},
			}
		},
	}
	ctrl, locker, _, _ := newTestController(
		t,
		[]string{"a.com", "b.com"},
		dispatch, nil, nil,
		Config{BatchSize: 10, MinProviderSuccesses: 2},
	)

	_, err := ctrl.Trigger(context.Background(), false)
	require.NoError(t, err)
	waitIdle(t, ctrl)

	last := ctrl.LastSweep()
	require.NotNil(t, last)
	require.Equal(t, 2, last.DomainsAttempted)
	require.Zero(t, last.DomainsSucceeded)
	require.Equal(t, 2, last.DomainsFailed)

	st, err := locker.Status(context.Background())
	require.NoError(t, err)
	require.False(t, st.Held)
}

// flakyTaskStore delegates to a real store but fails ClaimPending from the
// configured call onward, simulating the backlog store dropping mid-drain.
type flakyTaskStore struct {
	*queuemem.Store
	mu       sync.Mutex
	claims   int
	failFrom int
}

func (s *flakyTaskStore) ClaimPending(ctx context.Context, limit int) ([]sweep.DomainTask, error) {
	s.mu.Lock()
	s.claims++
	n := s.claims
	s.mu.Unlock()
	if n >= s.failFrom {
		return nil, errors.New("backlog store unreachable")
	}
	return s.Store.ClaimPending(ctx, limit)
}

func TestControllerFatalStoreErrorReleasesLockAndKeepsProgress(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ids := uuid.NewUUIDGenerator()
	locker := lockmem.New(clock, ids)
	tasks := &flakyTaskStore{
		Store:    queuemem.NewStore([]string{"a.com", "b.com", "c.com", "d.com"}, 3, clock),
		failFrom: 2,
	}
	dispatch := &fakeDispatcher{}
	ctrl := New(locker, tasks, dispatch, nil, nil, clock, ids, nil, Config{BatchSize: 2}, nil)

	_, err := ctrl.Trigger(context.Background(), false)
	require.NoError(t, err)
	waitIdle(t, ctrl)

	// The first batch settled before the store went away; its domains keep
	// their terminal states and the rest stay pending.
	counts, err := tasks.CountByState(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, counts[sweep.TaskDone])
	require.Equal(t, 2, counts[sweep.TaskPending])
	require.Zero(t, counts[sweep.TaskInFlight])

	last := ctrl.LastSweep()
	require.NotNil(t, last)
	require.Contains(t, last.Error, "claim batch")
	require.Equal(t, 2, last.DomainsAttempted)
	require.Equal(t, 2, last.DomainsSucceeded)

	st, err := locker.Status(context.Background())
	require.NoError(t, err)
	require.False(t, st.Held)
}

func TestControllerTriggerDeniedWhileLockHeld(t *testing.T) {
	t.Parallel()

	dispatch := &fakeDispatcher{}
	ctrl, locker, _, _ := newTestController(
		t,
		[]string{"a.com"},
		dispatch, nil, nil,
		Config{LockTTL: time.Hour},
	)

	// Another instance holds a fresh lock.
	_, err := locker.Acquire(context.Background(), "other-instance", time.Hour)
	require.NoError(t, err)

	_, err = ctrl.Trigger(context.Background(), false)
	require.ErrorIs(t, err, sweep.ErrLockHeld)
	var denied *sweep.DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "other-instance", denied.Holder)
	require.Equal(t, StateIdle, ctrl.State())

	// Force cannot steal a fresh lock either.
	_, err = ctrl.Trigger(context.Background(), true)
	require.ErrorIs(t, err, sweep.ErrLockHeld)
	require.Equal(t, StateIdle, ctrl.State())
}

func TestControllerForceTriggerClearsStaleLock(t *testing.T) {
	t.Parallel()

	dispatch := &fakeDispatcher{}
	ctrl, locker, _, clock := newTestController(
		t,
		[]string{"a.com"},
		dispatch, nil, nil,
		Config{LockTTL: time.Hour},
	)

	_, err := locker.Acquire(context.Background(), "dead-instance", 30*time.Minute)
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)

	// Non-force still declines on a stale lock.
	_, err = ctrl.Trigger(context.Background(), false)
	require.ErrorIs(t, err, sweep.ErrLockHeld)

	sweepID, err := ctrl.Trigger(context.Background(), true)
	require.NoError(t, err)
	require.NotEmpty(t, sweepID)
	waitIdle(t, ctrl)
	require.Len(t, dispatch.Calls(), 1)
}

func TestControllerAbortStopsAtBatchBoundaryAndReleasesLock(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	dispatch := &fakeDispatcher{gate: gate}
	ctrl, locker, tasks, _ := newTestController(
		t,
		[]string{"a.com", "b.com", "c.com", "d.com"},
		dispatch, nil, nil,
		Config{BatchSize: 1},
	)

	_, err := ctrl.Trigger(context.Background(), false)
	require.NoError(t, err)

	// First dispatch is in flight; abort before the next batch is claimed.
	<-gate
	ctrl.Abort()
	waitIdle(t, ctrl)

	last := ctrl.LastSweep()
	require.NotNil(t, last)
	require.NotEmpty(t, last.Error)

	st, err := locker.Status(context.Background())
	require.NoError(t, err)
	require.False(t, st.Held, "abort path must release the lock")

	// The in-flight domain was settled, the unclaimed three stay pending.
	counts, err := tasks.CountByState(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, counts[sweep.TaskPending])
	require.Equal(t, 1, counts[sweep.TaskDone])
	require.Zero(t, counts[sweep.TaskInFlight])
}

func TestControllerRejectsConcurrentTrigger(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	dispatch := &fakeDispatcher{gate: gate}
	ctrl, _, _, _ := newTestController(
		t,
		[]string{"a.com"},
		dispatch, nil, nil,
		Config{BatchSize: 1},
	)

	_, err := ctrl.Trigger(context.Background(), false)
	require.NoError(t, err)
	<-gate

	_, err = ctrl.Trigger(context.Background(), false)
	require.ErrorIs(t, err, sweep.ErrLockHeld)

	ctrl.Abort()
	waitIdle(t, ctrl)
}

func TestControllerStopWaitsForWindDown(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	dispatch := &fakeDispatcher{gate: gate}
	ctrl, _, _, _ := newTestController(
		t,
		[]string{"a.com", "b.com"},
		dispatch, nil, nil,
		Config{BatchSize: 1},
	)

	_, err := ctrl.Trigger(context.Background(), false)
	require.NoError(t, err)
	<-gate

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ctrl.Stop(ctx))
	require.Equal(t, StateIdle, ctrl.State())
}

func TestControllerHistoryKeepsNewestFirst(t *testing.T) {
	t.Parallel()

	dispatch := &fakeDispatcher{}
	ctrl, _, _, _ := newTestController(
		t,
		[]string{"a.com"},
		dispatch, nil, nil,
		Config{BatchSize: 1, HistorySize: 2},
	)

	var ids []string
	for i := 0; i < 3; i++ {
		// Domain completes on the first sweep; later sweeps drain nothing but
		// still record history.
		id, err := ctrl.Trigger(context.Background(), false)
		require.NoError(t, err)
		ids = append(ids, id)
		waitIdle(t, ctrl)
	}

	history := ctrl.History()
	require.Len(t, history, 2)
	require.Equal(t, ids[2], history[0].SweepID)
	require.Equal(t, ids[1], history[1].SweepID)
}

func TestControllerSurfacesLockerStatusError(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ids := uuid.NewUUIDGenerator()
	tasks := queuemem.NewStore([]string{"a.com"}, 3, clock)
	broken := &brokenLocker{}
	ctrl := New(broken, tasks, &fakeDispatcher{}, nil, nil, clock, ids, nil, Config{}, nil)

	_, err := ctrl.Trigger(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, StateIdle, ctrl.State())
}

type brokenLocker struct{}

func (b *brokenLocker) Acquire(context.Context, string, time.Duration) (sweep.Grant, error) {
	return sweep.Grant{}, errors.New("backend down")
}

func (b *brokenLocker) Release(context.Context, string) error {
	return errors.New("backend down")
}

func (b *brokenLocker) Status(context.Context) (sweep.LockStatus, error) {
	return sweep.LockStatus{}, errors.New("backend down")
}
