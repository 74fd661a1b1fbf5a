package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmrank/domain-runner/internal/progress/sinks"
)

// SweepStore implements sinks.SweepRepository, persisting sweep run history
// and per-domain outcomes.
//
//	CREATE TABLE sweep_runs (
//	    id            uuid PRIMARY KEY,
//	    started_at    timestamptz NOT NULL,
//	    finished_at   timestamptz,
//	    status        text NOT NULL,
//	    error_message text
//	);
//	CREATE TABLE sweep_domain_results (
//	    sweep_id    uuid NOT NULL,
//	    domain      text NOT NULL,
//	    outcome     text NOT NULL,
//	    recorded_at timestamptz NOT NULL,
//	    PRIMARY KEY (sweep_id, domain, recorded_at)
//	);
type SweepStore struct {
	pool querier
}

var _ sinks.SweepRepository = (*SweepStore)(nil)

// NewSweepStore constructs a SweepStore over an existing pool.
func NewSweepStore(pool querier) (*SweepStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SweepStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *SweepStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// UpsertSweepStart records a sweep's start; a replayed batch leaves the row
// unchanged.
func (s *SweepStore) UpsertSweepStart(ctx context.Context, sweepID uuid.UUID, at time.Time) error {
	const query = `
		INSERT INTO sweep_runs (id, started_at, status)
		VALUES ($1, $2, 'running')
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, sweepID, at); err != nil {
		return fmt.Errorf("upsert sweep start: %w", err)
	}
	return nil
}

// CompleteSweep stamps the terminal result on a sweep run.
func (s *SweepStore) CompleteSweep(
	ctx context.Context,
	sweepID uuid.UUID,
	at time.Time,
	result sinks.SweepResult,
	note *string,
) error {
	const query = `
		UPDATE sweep_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, at, string(result), note, sweepID); err != nil {
		return fmt.Errorf("complete sweep: %w", err)
	}
	return nil
}

// RecordDomainOutcome appends one domain's settled outcome for a sweep.
func (s *SweepStore) RecordDomainOutcome(
	ctx context.Context,
	sweepID uuid.UUID,
	domain, outcome string,
	at time.Time,
) error {
	const query = `
		INSERT INTO sweep_domain_results (sweep_id, domain, outcome, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, sweepID, domain, outcome, at); err != nil {
		return fmt.Errorf("record domain outcome: %w", err)
	}
	return nil
}
