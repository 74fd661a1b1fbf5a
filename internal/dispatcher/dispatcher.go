// Package dispatcher fans one domain out to every configured provider.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/llmrank/domain-runner/internal/sweep"
	"github.com/llmrank/domain-runner/internal/telemetry"
)

// Config controls Dispatcher behavior.
type Config struct {
	// PerProviderTimeout bounds each individual provider call.
	PerProviderTimeout time.Duration
	// MaxConcurrent caps simultaneous in-flight provider calls per dispatch.
	MaxConcurrent int
}

// Dispatcher issues one call per provider for a domain under a concurrency
// cap and collects one terminal result per provider.
type Dispatcher struct {
	providers []sweep.Provider
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Dispatcher over the provider universe.
func New(providers []sweep.Provider, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PerProviderTimeout <= 0 {
		cfg.PerProviderTimeout = 90 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = len(providers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		providers: providers,
		cfg:       cfg,
		logger:    logger,
	}
}

// Dispatch returns exactly one result per provider, order matching
// registration. A slow provider times out on its own budget without blocking
// the others; failures are never retried within the same dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, task sweep.DomainTask) []sweep.ProviderResult {
	results := make([]sweep.ProviderResult, len(d.providers))

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrent)
	for i, p := range d.providers {
		g.Go(func() error {
			results[i] = d.callProvider(ctx, p, task)
			return nil
		})
	}
	// Goroutines classify their own failures and never return an error.
	_ = g.Wait()
	return results
}

func (d *Dispatcher) callProvider(ctx context.Context, p sweep.Provider, task sweep.DomainTask) sweep.ProviderResult {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.PerProviderTimeout)
	defer cancel()

	start := time.Now()
	payload, err := p.Query(callCtx, task.Domain)
	latency := time.Since(start)

	result := sweep.ProviderResult{
		DomainID: task.DomainID,
		Domain:   task.Domain,
		Provider: p.Name(),
		Latency:  latency,
	}
	switch {
	case err == nil:
		result.Status = sweep.ProviderSuccess
		result.Payload = payload
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = sweep.ProviderTimeout
		result.Transient = true
		result.Detail = err.Error()
	case errors.Is(err, context.Canceled):
		// Sweep shutdown mid-call; the domain stays retryable.
		result.Status = sweep.ProviderError
		result.Transient = true
		result.Detail = err.Error()
	case sweep.IsTransient(err):
		result.Status = sweep.ProviderError
		result.Transient = true
		result.Detail = err.Error()
	default:
		result.Status = sweep.ProviderError
		result.Detail = err.Error()
	}

	telemetry.ObserveProviderCall(p.Name(), string(result.Status), latency)
	if err != nil {
		d.logger.Debug("provider call failed",
			zap.String("domain", task.Domain),
			zap.String("provider", p.Name()),
			zap.String("status", string(result.Status)),
			zap.Error(err),
		)
	}
	return result
}
