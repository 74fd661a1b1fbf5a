package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/llmrank/domain-runner/internal/sweep"
)

// TaskStore implements sweep.TaskStore on Postgres. FOR UPDATE SKIP LOCKED
// gives claim-exclusivity without serializing concurrent claimers.
//
//	CREATE TABLE domain_tasks (
//	    domain_id       text PRIMARY KEY,
//	    domain          text NOT NULL,
//	    state           text NOT NULL DEFAULT 'pending',
//	    attempt_count   int NOT NULL DEFAULT 0,
//	    last_attempt_at timestamptz,
//	    failure_reason  text NOT NULL DEFAULT ''
//	);
type TaskStore struct {
	pool       querier
	clock      sweep.Clock
	maxRetries int
}

var _ sweep.TaskStore = (*TaskStore)(nil)

// NewTaskStore constructs a TaskStore over an existing pool.
func NewTaskStore(pool querier, clock sweep.Clock, maxRetries int) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if maxRetries <= 0 {
		return nil, fmt.Errorf("maxRetries must be > 0")
	}
	return &TaskStore{pool: pool, clock: clock, maxRetries: maxRetries}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Seed ensures one task row per domain; existing rows are left untouched so a
// restart never resets attempt counts.
func (s *TaskStore) Seed(ctx context.Context, domains []string) error {
	const query = `
		INSERT INTO domain_tasks (domain_id, domain, state)
		VALUES ($1, $2, 'pending')
		ON CONFLICT (domain_id) DO NOTHING;
	`
	for _, d := range domains {
		if _, err := s.pool.Exec(ctx, query, d, d); err != nil {
			return fmt.Errorf("seed domain %s: %w", d, err)
		}
	}
	return nil
}

// ClaimPending hands out up to limit Pending tasks, oldest attempt first with
// never-attempted tasks ahead, marking each InFlight in the same statement.
func (s *TaskStore) ClaimPending(ctx context.Context, limit int) ([]sweep.DomainTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	const query = `
		WITH picked AS (
			SELECT domain_id
			FROM domain_tasks
			WHERE state = 'pending'
			ORDER BY last_attempt_at ASC NULLS FIRST, domain_id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE domain_tasks t
		SET state = 'in_flight', last_attempt_at = $2
		FROM picked
		WHERE t.domain_id = picked.domain_id
		RETURNING t.domain_id, t.domain, t.state, t.attempt_count, t.last_attempt_at, t.failure_reason;
	`
	rows, err := s.pool.Query(ctx, query, limit, s.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	var tasks []sweep.DomainTask
	for rows.Next() {
		var task sweep.DomainTask
		if err := rows.Scan(
			&task.DomainID,
			&task.Domain,
			&task.State,
			&task.AttemptCount,
			&task.LastAttemptAt,
			&task.FailureReason,
		); err != nil {
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim pending rows: %w", err)
	}
	return tasks, nil
}

// Complete settles one InFlight task from the aggregated dispatch outcome and
// returns the state the task landed in.
func (s *TaskStore) Complete(ctx context.Context, domainID string, outcome sweep.Outcome) (sweep.TaskState, error) {
	const query = `
		UPDATE domain_tasks
		SET attempt_count = attempt_count + 1,
		    state = CASE
		        WHEN $2 THEN 'done'
		        WHEN $3 AND attempt_count + 1 < $4 THEN 'pending'
		        ELSE 'failed'
		    END,
		    failure_reason = CASE WHEN $2 THEN '' ELSE $5 END
		WHERE domain_id = $1 AND state = 'in_flight'
		RETURNING state;
	`
	var state sweep.TaskState
	err := s.pool.QueryRow(ctx, query, domainID, outcome.Success, outcome.Transient, s.maxRetries, outcome.Reason).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", s.explainMissingComplete(ctx, domainID)
	}
	if err != nil {
		return "", fmt.Errorf("complete %s: %w", domainID, err)
	}
	return state, nil
}

func (s *TaskStore) explainMissingComplete(ctx context.Context, domainID string) error {
	var state sweep.TaskState
	err := s.pool.QueryRow(ctx, `SELECT state FROM domain_tasks WHERE domain_id = $1;`, domainID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("complete %s: %w", domainID, sweep.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("complete %s: %w", domainID, err)
	}
	return fmt.Errorf("complete %s: task is %s, not in flight", domainID, state)
}

// RemainingCount counts tasks still owed work.
func (s *TaskStore) RemainingCount(ctx context.Context) (int, error) {
	const query = `SELECT count(*) FROM domain_tasks WHERE state IN ('pending', 'in_flight');`
	var n int
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("remaining count: %w", err)
	}
	return n, nil
}

// CountByState returns the backlog broken down by task state.
func (s *TaskStore) CountByState(ctx context.Context) (map[sweep.TaskState]int, error) {
	const query = `SELECT state, count(*) FROM domain_tasks GROUP BY state;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[sweep.TaskState]int, 4)
	for rows.Next() {
		var (
			state sweep.TaskState
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by state rows: %w", err)
	}
	return counts, nil
}

// ReclaimStuck reverts InFlight tasks whose claim outlived the watchdog
// cutoff, so domains orphaned by a dead sweep are not silently lost.
func (s *TaskStore) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	const query = `
		UPDATE domain_tasks
		SET state = 'pending'
		WHERE state = 'in_flight' AND last_attempt_at < $1;
	`
	cutoff := s.clock.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
