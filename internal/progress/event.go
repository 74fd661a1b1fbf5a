// Package progress defines the milestone events emitted during a sweep and
// the hub that fans them out to sinks without blocking the sweep itself.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSweepStart   Stage = "SWEEP_START"
	StageSweepDone    Stage = "SWEEP_DONE"
	StageSweepError   Stage = "SWEEP_ERROR"
	StageDomainDone   Stage = "DOMAIN_DONE"
	StageProviderDone Stage = "PROVIDER_DONE"
)

// Event captures a single milestone of sweep progress.
type Event struct {
	// SweepID identifies a sweep run using the 16-byte UUID form.
	SweepID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Domain scopes domain and provider events.
	Domain string
	// Provider scopes provider events.
	Provider string
	// Outcome carries the domain outcome (done/failed/requeued) or the
	// provider status (success/timeout/error) depending on Stage.
	Outcome string
	// Dur captures execution latency for provider calls and sweep completions.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SweepID == [16]byte{} {
		return errors.New("sweep id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSweepStart, StageSweepDone, StageSweepError:
	case StageDomainDone:
		if e.Domain == "" {
			return errors.New("domain done requires domain")
		}
		if e.Outcome == "" {
			return errors.New("domain done requires outcome")
		}
	case StageProviderDone:
		if e.Domain == "" || e.Provider == "" {
			return errors.New("provider done requires domain and provider")
		}
		if e.Outcome == "" {
			return errors.New("provider done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SweepUUID converts the binary sweep ID to uuid.UUID for repositories.
func (e Event) SweepUUID() uuid.UUID {
	return uuid.UUID(e.SweepID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
