package sweep

import (
	"time"
)

// TaskState represents the lifecycle state of a domain task in the backlog.
type TaskState string

// Task state values tracked by the work queue.
const (
	TaskPending  TaskState = "pending"
	TaskInFlight TaskState = "in_flight"
	TaskDone     TaskState = "done"
	TaskFailed   TaskState = "failed"
)

// DomainTask is one domain due for crawling. State transitions are owned by
// the TaskStore; the controller only reports dispatch outcomes.
type DomainTask struct {
	DomainID      string     `json:"domain_id"`
	Domain        string     `json:"domain"`
	State         TaskState  `json:"state"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// ProviderStatus classifies the terminal result of one provider call.
type ProviderStatus string

// Provider call outcomes.
const (
	ProviderSuccess ProviderStatus = "success"
	ProviderTimeout ProviderStatus = "timeout"
	ProviderError   ProviderStatus = "error"
)

// ProviderResult is the per-provider outcome of one dispatch. Results are
// consumed immediately by the controller and not retained.
type ProviderResult struct {
	DomainID string
	Domain   string
	Provider string
	Status   ProviderStatus
	Payload  []byte
	Detail   string
	// Transient marks failures worth retrying at queue granularity.
	// Timeouts are always transient.
	Transient bool
	Latency   time.Duration
}

// Outcome aggregates one attempt's provider results for the work queue.
type Outcome struct {
	// Success means the domain met the configured provider-success threshold.
	Success bool
	// Transient means at least one failed provider call is worth retrying.
	Transient bool
	Reason    string
}

// SweepSummary is the read model for one sweep, rebuilt incrementally while
// the sweep runs and immutable once EndedAt is set.
type SweepSummary struct {
	SweepID           string     `json:"sweep_id"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	DomainsAttempted  int        `json:"domains_attempted"`
	DomainsSucceeded  int        `json:"domains_succeeded"`
	DomainsFailed     int        `json:"domains_failed"`
	DomainsRequeued   int        `json:"domains_requeued"`
	LockState         string     `json:"lock_state"`
	Error             string     `json:"error,omitempty"`
}

// Grant is returned on successful lock acquisition. The token fences release
// so a straggling old sweep can never release a newer sweep's lock.
type Grant struct {
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// LockStatus is the side-effect-free view of the crawl lock.
type LockStatus struct {
	Held      bool          `json:"is_held"`
	Holder    string        `json:"holder,omitempty"`
	HolderAge time.Duration `json:"holder_age"`
	TTL       time.Duration `json:"ttl"`
}
