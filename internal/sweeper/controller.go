// Package sweeper runs the sweep lifecycle: acquire the crawl lock, drain the
// domain backlog in batches, and release the lock on every exit path.
package sweeper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmrank/domain-runner/internal/progress"
	"github.com/llmrank/domain-runner/internal/sweep"
	"github.com/llmrank/domain-runner/internal/telemetry"
)

// Dispatcher fans one domain out to every provider and returns one terminal
// result per provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, task sweep.DomainTask) []sweep.ProviderResult
}

// Config controls Controller behavior.
type Config struct {
	// Holder identifies this instance in the crawl lock.
	Holder string
	// LockTTL bounds how long a lock may sit before another trigger steals it.
	LockTTL time.Duration
	// BatchSize is how many domains are claimed per drain iteration.
	BatchSize int
	// WatchdogAge is the in-flight age beyond which orphaned tasks are
	// reclaimed at sweep startup.
	WatchdogAge time.Duration
	// MinProviderSuccesses is the per-domain success threshold.
	MinProviderSuccesses int
	// BlobPrefix namespaces archived payloads in the blob store.
	BlobPrefix string
	// Topic is the completion topic; empty disables publishing.
	Topic string
	// HistorySize caps the retained sweep history ring.
	HistorySize int
	// ReleaseTimeout bounds the lock release on shutdown paths.
	ReleaseTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Holder == "" {
		c.Holder = "domain-runner"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.WatchdogAge <= 0 {
		c.WatchdogAge = 30 * time.Minute
	}
	if c.MinProviderSuccesses <= 0 {
		c.MinProviderSuccesses = 1
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 20
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 10 * time.Second
	}
}

// Controller owns the sweep state machine. At most one sweep runs per
// instance; the crawl lock extends that guarantee across instances.
type Controller struct {
	locker    sweep.Locker
	tasks     sweep.TaskStore
	dispatch  Dispatcher
	blobs     sweep.BlobStore
	publisher sweep.Publisher
	clock     sweep.Clock
	ids       sweep.IDGenerator
	emitter   progress.Emitter
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex // guards state transitions and sweep start
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	history []sweep.SweepSummary

	current atomic.Pointer[sweep.SweepSummary]
	last    atomic.Pointer[sweep.SweepSummary]
}

// New constructs an idle Controller. Blob store and publisher may be nil, in
// which case archiving and completion publishing are skipped.
func New(
	locker sweep.Locker,
	tasks sweep.TaskStore,
	dispatch Dispatcher,
	blobs sweep.BlobStore,
	publisher sweep.Publisher,
	clock sweep.Clock,
	ids sweep.IDGenerator,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Discard{}
	}
	return &Controller{
		locker:    locker,
		tasks:     tasks,
		dispatch:  dispatch,
		blobs:     blobs,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
		state:     StateIdle,
	}
}

// Trigger starts a sweep and returns its ID without waiting for it to finish.
// Without force it declines while any lock is held, even a stale one; with
// force the acquire path replaces a stale lock. A fresh lock always wins.
func (c *Controller) Trigger(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return "", &sweep.DeniedError{Holder: c.cfg.Holder, Remaining: c.cfg.LockTTL}
	}
	c.state = StateAcquiring
	c.mu.Unlock()

	sweepID, err := c.acquireAndStart(ctx, force)
	if err != nil {
		c.setState(StateIdle)
		return "", err
	}
	return sweepID, nil
}

func (c *Controller) acquireAndStart(ctx context.Context, force bool) (string, error) {
	if !force {
		st, err := c.locker.Status(ctx)
		if err != nil {
			return "", fmt.Errorf("lock status: %w", err)
		}
		if st.Held {
			remaining := st.TTL - st.HolderAge
			if remaining < 0 {
				remaining = 0
			}
			return "", &sweep.DeniedError{Holder: st.Holder, Remaining: remaining}
		}
	}

	grant, err := c.locker.Acquire(ctx, c.cfg.Holder, c.cfg.LockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire crawl lock: %w", err)
	}
	telemetry.SetLockHeld(true)

	sweepID, err := c.ids.NewID()
	if err != nil {
		c.releaseLock(grant.Token)
		return "", fmt.Errorf("generate sweep id: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.state = StateDraining
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	summary := &sweep.SweepSummary{
		SweepID:   sweepID,
		StartedAt: c.clock.Now().UTC(),
		LockState: "held",
	}
	c.current.Store(summary)

	go func() {
		defer close(done)
		defer cancel()
		c.run(runCtx, sweepID, grant, *summary)
	}()
	return sweepID, nil
}

// Abort cancels the running sweep, if any. The drain stops at the next batch
// boundary and the lock is still released.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDraining {
		return
	}
	c.state = StateAborting
	if c.cancel != nil {
		c.cancel()
	}
}

// Stop aborts any running sweep and waits for it to wind down.
func (c *Controller) Stop(ctx context.Context) error {
	c.Abort()
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweep stop wait: %w", ctx.Err())
	}
}

// State reports the controller's current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether a sweep is in progress.
func (c *Controller) Running() bool {
	switch c.State() {
	case StateIdle:
		return false
	default:
		return true
	}
}

// Current returns the in-progress sweep summary, or nil when idle.
func (c *Controller) Current() *sweep.SweepSummary {
	return c.current.Load()
}

// LastSweep returns the most recently completed sweep, or nil before the
// first one finishes.
func (c *Controller) LastSweep() *sweep.SweepSummary {
	return c.last.Load()
}

// History returns completed sweeps, newest first.
func (c *Controller) History() []sweep.SweepSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sweep.SweepSummary, len(c.history))
	for i, s := range c.history {
		out[len(c.history)-1-i] = s
	}
	return out
}

func (c *Controller) run(ctx context.Context, sweepID string, grant sweep.Grant, summary sweep.SweepSummary) {
	sweepUUID, err := uuid.Parse(sweepID)
	if err != nil {
		sweepUUID = uuid.New()
	}
	start := c.clock.Now()
	c.emit(progress.Event{
		SweepID: progress.UUIDToBytes(sweepUUID),
		TS:      start.UTC(),
		Stage:   progress.StageSweepStart,
	})
	c.logger.Info("sweep started",
		zap.String("sweep_id", sweepID),
		zap.String("holder", c.cfg.Holder),
		zap.Duration("lock_ttl", grant.TTL),
	)

	drainErr := c.drain(ctx, sweepID, sweepUUID, &summary)

	c.setState(StateReleasing)
	c.releaseLock(grant.Token)

	c.finalize(ctx, sweepUUID, &summary, start, drainErr)
	c.setState(StateIdle)
}

func (c *Controller) drain(ctx context.Context, sweepID string, sweepUUID uuid.UUID, summary *sweep.SweepSummary) error {
	reclaimed, err := c.tasks.ReclaimStuck(ctx, c.cfg.WatchdogAge)
	if err != nil {
		return fmt.Errorf("reclaim stuck tasks: %w", err)
	}
	if reclaimed > 0 {
		c.logger.Warn("reclaimed orphaned tasks", zap.Int("count", reclaimed))
	}

	for {
		// Cancellation is honored at batch boundaries so no claimed task is
		// left in flight by the abort itself.
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sweep aborted: %w", err)
		}

		batch, err := c.tasks.ClaimPending(ctx, c.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, task := range batch {
			c.processTask(ctx, sweepID, sweepUUID, task, summary)
		}

		if remaining, err := c.tasks.RemainingCount(ctx); err == nil {
			telemetry.SetPendingTasks(remaining)
		}
	}
}

func (c *Controller) processTask(
	ctx context.Context,
	sweepID string,
	sweepUUID uuid.UUID,
	task sweep.DomainTask,
	summary *sweep.SweepSummary,
) {
	results := c.dispatch.Dispatch(ctx, task)

	successes := 0
	transient := false
	var reasons []string
	for _, res := range results {
		c.emit(progress.Event{
			SweepID:  progress.UUIDToBytes(sweepUUID),
			TS:       c.clock.Now().UTC(),
			Stage:    progress.StageProviderDone,
			Domain:   task.Domain,
			Provider: res.Provider,
			Outcome:  string(res.Status),
			Dur:      res.Latency,
		})
		if res.Status == sweep.ProviderSuccess {
			successes++
			c.archivePayload(ctx, sweepID, res)
			continue
		}
		if res.Transient {
			transient = true
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", res.Provider, res.Detail))
	}

	outcome := sweep.Outcome{
		Success:   successes >= c.cfg.MinProviderSuccesses,
		Transient: transient,
	}
	if !outcome.Success {
		outcome.Reason = strings.Join(reasons, "; ")
	}

	state, err := c.tasks.Complete(ctx, task.DomainID, outcome)
	if err != nil {
		c.logger.Error("complete task failed",
			zap.String("domain", task.Domain),
			zap.Error(err),
		)
		return
	}

	summary.DomainsAttempted++
	var label string
	switch state {
	case sweep.TaskDone:
		summary.DomainsSucceeded++
		label = "done"
	case sweep.TaskPending:
		summary.DomainsRequeued++
		label = "requeued"
	default:
		summary.DomainsFailed++
		label = "failed"
	}
	telemetry.ObserveDomain(label)
	c.emit(progress.Event{
		SweepID: progress.UUIDToBytes(sweepUUID),
		TS:      c.clock.Now().UTC(),
		Stage:   progress.StageDomainDone,
		Domain:  task.Domain,
		Outcome: label,
	})

	snapshot := *summary
	c.current.Store(&snapshot)
}

func (c *Controller) archivePayload(ctx context.Context, sweepID string, res sweep.ProviderResult) {
	if c.blobs == nil || len(res.Payload) == 0 {
		return
	}
	path := c.blobPath(sweepID, res.Domain, res.Provider)
	if _, err := c.blobs.PutObject(ctx, path, "application/json", res.Payload); err != nil {
		c.logger.Warn("archive payload failed",
			zap.String("domain", res.Domain),
			zap.String("provider", res.Provider),
			zap.Error(err),
		)
	}
}

func (c *Controller) blobPath(sweepID, domain, provider string) string {
	prefix := strings.Trim(c.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.json", sweepID, domain, provider)
	}
	return fmt.Sprintf("%s/%s/%s/%s.json", prefix, sweepID, domain, provider)
}

func (c *Controller) finalize(
	ctx context.Context,
	sweepUUID uuid.UUID,
	summary *sweep.SweepSummary,
	start time.Time,
	drainErr error,
) {
	ended := c.clock.Now().UTC()
	summary.EndedAt = &ended
	summary.LockState = "released"
	dur := ended.Sub(start.UTC())

	stage := progress.StageSweepDone
	status := "success"
	if drainErr != nil {
		summary.Error = drainErr.Error()
		stage = progress.StageSweepError
		status = "error"
		c.logger.Error("sweep finished with error",
			zap.String("sweep_id", summary.SweepID),
			zap.Duration("duration", dur),
			zap.Error(drainErr),
		)
	} else {
		c.logger.Info("sweep finished",
			zap.String("sweep_id", summary.SweepID),
			zap.Duration("duration", dur),
			zap.Int("attempted", summary.DomainsAttempted),
			zap.Int("succeeded", summary.DomainsSucceeded),
			zap.Int("failed", summary.DomainsFailed),
			zap.Int("requeued", summary.DomainsRequeued),
		)
	}
	telemetry.ObserveSweep(status, dur)

	done := *summary
	c.last.Store(&done)
	c.current.Store(nil)
	c.appendHistory(done)

	c.emit(progress.Event{
		SweepID: progress.UUIDToBytes(sweepUUID),
		TS:      ended,
		Stage:   stage,
		Dur:     dur,
		Note:    summary.Error,
	})

	c.publishSummary(ctx, done)
}

func (c *Controller) publishSummary(ctx context.Context, summary sweep.SweepSummary) {
	if c.publisher == nil || c.cfg.Topic == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(contextWithoutCancel(ctx), c.cfg.ReleaseTimeout)
	defer cancel()
	if _, err := c.publisher.Publish(pubCtx, c.cfg.Topic, summary); err != nil {
		c.logger.Warn("publish sweep summary failed",
			zap.String("sweep_id", summary.SweepID),
			zap.Error(err),
		)
	}
}

// releaseLock runs on its own context so an aborted sweep still releases.
func (c *Controller) releaseLock(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReleaseTimeout)
	defer cancel()
	if err := c.locker.Release(ctx, token); err != nil {
		c.logger.Error("release crawl lock failed", zap.Error(err))
	}
	telemetry.SetLockHeld(false)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) emit(evt progress.Event) {
	c.emitter.Emit(evt)
}

func (c *Controller) appendHistory(summary sweep.SweepSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, summary)
	if excess := len(c.history) - c.cfg.HistorySize; excess > 0 {
		c.history = append([]sweep.SweepSummary(nil), c.history[excess:]...)
	}
}

// contextWithoutCancel keeps request-scoped values but detaches cancellation
// so completion publishing survives an abort.
func contextWithoutCancel(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
