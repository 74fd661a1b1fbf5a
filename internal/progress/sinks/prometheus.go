package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llmrank/domain-runner/internal/progress"
)

// PrometheusSink exports sweep progress metrics via Prometheus. It owns all
// collectors for sweeps started/completed/running and per-provider results.
type PrometheusSink struct {
	sweepsStarted   prometheus.Counter
	sweepsCompleted *prometheus.CounterVec
	sweepsRunning   prometheus.Gauge
	sweepRuntime    *prometheus.HistogramVec

	domainOutcomes  *prometheus.CounterVec
	providerResults *prometheus.CounterVec
	providerRuntime *prometheus.HistogramVec

	tracker *sweepTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sweepsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_sweeps_started_total",
			Help: "Total sweeps that have started.",
		}),
		sweepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_sweeps_completed_total",
			Help: "Total sweeps completed partitioned by result.",
		}, []string{"result"}),
		sweepsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_sweeps_running",
			Help: "Current number of running sweeps.",
		}),
		sweepRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_sweep_runtime_seconds",
			Help:    "Wall time per completed sweep.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		domainOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_domain_outcomes_total",
			Help: "Domain completions partitioned by outcome.",
		}, []string{"outcome"}),
		providerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_provider_results_total",
			Help: "Provider call results partitioned by provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_provider_runtime_seconds",
			Help:    "Provider call duration partitioned by provider and outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 90},
		}, []string{"provider", "outcome"}),
		tracker: newSweepTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sweepsStarted,
		s.sweepsCompleted,
		s.sweepsRunning,
		s.sweepRuntime,
		s.domainOutcomes,
		s.providerResults,
		s.providerRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSweepStart, progress.StageSweepDone, progress.StageSweepError:
		s.handleSweepEvent(evt)
	case progress.StageDomainDone:
		s.domainOutcomes.WithLabelValues(evt.Outcome).Inc()
	case progress.StageProviderDone:
		s.handleProviderEvent(evt)
	}
}

func (s *PrometheusSink) handleSweepEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSweepStart:
		s.sweepsStarted.Inc()
		if s.tracker.start(evt.SweepID) {
			s.sweepsRunning.Inc()
		}
	case progress.StageSweepDone:
		s.sweepsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageSweepError:
		s.sweepsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageSweepStart && s.tracker.complete(evt.SweepID) {
		s.sweepsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.sweepRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleProviderEvent(evt progress.Event) {
	provider := evt.Provider
	if provider == "" {
		provider = "unknown"
	}
	s.providerResults.WithLabelValues(provider, evt.Outcome).Inc()
	if evt.Dur > 0 {
		s.providerRuntime.WithLabelValues(provider, evt.Outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sweepTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newSweepTracker() *sweepTracker {
	return &sweepTracker{running: make(map[[16]byte]struct{})}
}

func (t *sweepTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sweepTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
