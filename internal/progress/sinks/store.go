package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmrank/domain-runner/internal/progress"
)

// SweepResult is the terminal disposition persisted for a sweep run.
type SweepResult string

// Terminal sweep results.
const (
	SweepSuccess SweepResult = "success"
	SweepError   SweepResult = "error"
)

// SweepRepository persists sweep run history and per-domain outcomes. The
// Postgres implementation lives in internal/storage/postgres.
type SweepRepository interface {
	UpsertSweepStart(ctx context.Context, sweepID uuid.UUID, at time.Time) error
	CompleteSweep(ctx context.Context, sweepID uuid.UUID, at time.Time, result SweepResult, note *string) error
	RecordDomainOutcome(ctx context.Context, sweepID uuid.UUID, domain, outcome string, at time.Time) error
}

// StoreSink persists sweep history via a SweepRepository. Provider-level
// events are intentionally not persisted; payloads go to the blob store and
// counters to Prometheus.
type StoreSink struct {
	repo   SweepRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo SweepRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards sweep and domain events to the repository. It respects ctx
// deadlines and returns any repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		sweepID := evt.SweepUUID()
		switch evt.Stage {
		case progress.StageSweepStart:
			if err := s.repo.UpsertSweepStart(ctx, sweepID, evt.TS); err != nil {
				return fmt.Errorf("upsert sweep start: %w", err)
			}
		case progress.StageSweepDone:
			if err := s.repo.CompleteSweep(ctx, sweepID, evt.TS, SweepSuccess, nil); err != nil {
				return fmt.Errorf("complete sweep: %w", err)
			}
		case progress.StageSweepError:
			var note *string
			if evt.Note != "" {
				note = &evt.Note
			}
			if err := s.repo.CompleteSweep(ctx, sweepID, evt.TS, SweepError, note); err != nil {
				return fmt.Errorf("complete sweep: %w", err)
			}
		case progress.StageDomainDone:
			if err := s.repo.RecordDomainOutcome(ctx, sweepID, evt.Domain, evt.Outcome, evt.TS); err != nil {
				return fmt.Errorf("record domain outcome: %w", err)
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
