// Package status assembles the read-only crawl status projection served by
// the API. It only reads; nothing here can stall or mutate a running sweep.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/llmrank/domain-runner/internal/sweep"
	"github.com/llmrank/domain-runner/internal/sweeper"
)

// SweepSource is the controller surface the reporter reads from.
type SweepSource interface {
	Running() bool
	State() sweeper.State
	Current() *sweep.SweepSummary
	LastSweep() *sweep.SweepSummary
	History() []sweep.SweepSummary
}

// LockView is the wire form of the crawl lock status, with durations in
// whole seconds.
type LockView struct {
	IsHeld           bool   `json:"is_held"`
	Holder           string `json:"holder,omitempty"`
	HolderAgeSeconds int64  `json:"holder_age_seconds"`
	TTLSeconds       int64  `json:"ttl_seconds"`
}

// Report is the full crawl status snapshot.
type Report struct {
	IsRunning        bool                `json:"is_running"`
	State            string              `json:"state"`
	DurationMinutes  float64             `json:"duration_minutes"`
	RemainingDomains int                 `json:"remaining_domains"`
	Domains          map[string]int      `json:"domains"`
	Lock             LockView            `json:"lock"`
	CurrentSweep     *sweep.SweepSummary `json:"current_sweep,omitempty"`
	LastSweep        *sweep.SweepSummary `json:"last_sweep,omitempty"`
	GeneratedAt      time.Time           `json:"generated_at"`
}

// Reporter builds Reports from the lock, the backlog, and the controller.
type Reporter struct {
	locker sweep.Locker
	tasks  sweep.TaskStore
	source SweepSource
	clock  sweep.Clock
}

// NewReporter constructs a Reporter.
func NewReporter(locker sweep.Locker, tasks sweep.TaskStore, source SweepSource, clock sweep.Clock) *Reporter {
	return &Reporter{locker: locker, tasks: tasks, source: source, clock: clock}
}

// Report assembles the current crawl status. A sweep's duration is measured
// from its StartedAt; for an idle instance it is zero.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	lockStatus, err := r.locker.Status(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("lock status: %w", err)
	}
	remaining, err := r.tasks.RemainingCount(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("remaining count: %w", err)
	}
	counts, err := r.tasks.CountByState(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("count by state: %w", err)
	}

	domains := make(map[string]int, len(counts))
	for state, n := range counts {
		domains[string(state)] = n
	}

	now := r.clock.Now().UTC()
	rep := Report{
		IsRunning:        r.source.Running(),
		State:            string(r.source.State()),
		RemainingDomains: remaining,
		Domains:          domains,
		Lock: LockView{
			IsHeld:           lockStatus.Held,
			Holder:           lockStatus.Holder,
			HolderAgeSeconds: int64(lockStatus.HolderAge.Seconds()),
			TTLSeconds:       int64(lockStatus.TTL.Seconds()),
		},
		CurrentSweep:     r.source.Current(),
		LastSweep:        r.source.LastSweep(),
		GeneratedAt:      now,
	}
	if cur := rep.CurrentSweep; cur != nil {
		rep.DurationMinutes = now.Sub(cur.StartedAt).Minutes()
	}
	return rep, nil
}

// PendingCount reports only the backlog size, for the lightweight endpoint.
func (r *Reporter) PendingCount(ctx context.Context) (int, error) {
	n, err := r.tasks.RemainingCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("remaining count: %w", err)
	}
	return n, nil
}
