// Package provider assembles the language-model provider universe a sweep
// fans out to. Concrete API clients are supplied by the embedding binary;
// this package owns naming, ordering, and per-provider rate control.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/llmrank/domain-runner/internal/sweep"
	"github.com/llmrank/domain-runner/internal/telemetry"
)

// Registry holds the configured providers in a stable order.
type Registry struct {
	providers []sweep.Provider
}

// NewRegistry validates and orders the provider set. Duplicate or empty
// names are rejected so per-provider results stay unambiguous.
func NewRegistry(providers ...sweep.Provider) (*Registry, error) {
	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		name := p.Name()
		if name == "" {
			return nil, fmt.Errorf("provider with empty name")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		seen[name] = struct{}{}
	}
	return &Registry{providers: append([]sweep.Provider(nil), providers...)}, nil
}

// All returns the providers in registration order.
func (r *Registry) All() []sweep.Provider {
	return r.providers
}

// Len reports the size of the provider universe.
func (r *Registry) Len() int {
	return len(r.providers)
}

// RateLimited wraps a provider with a token bucket so one sweep's fan-out
// cannot overrun a provider's rate limits.
type RateLimited struct {
	inner   sweep.Provider
	limiter *rate.Limiter
}

// Limit applies a requests-per-second budget to p. A non-positive rps means
// unlimited.
func Limit(p sweep.Provider, rps float64, burst int) *RateLimited {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{inner: p, limiter: rate.NewLimiter(r, burst)}
}

// Name returns the wrapped provider's name.
func (p *RateLimited) Name() string {
	return p.inner.Name()
}

// Query waits for a token, then delegates. Rate-limit waits are surfaced as
// transient errors when the context expires first.
func (p *RateLimited) Query(ctx context.Context, domain string) ([]byte, error) {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for %s: %w", p.inner.Name(), err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(p.inner.Name(), waited)
	}
	return p.inner.Query(ctx, domain)
}

// Noop is a provider that returns a canned payload. It keeps the service
// runnable without provider credentials, mirroring the no-op store providers.
type Noop struct {
	name string
}

// NewNoop constructs a Noop provider with the given name.
func NewNoop(name string) *Noop {
	return &Noop{name: name}
}

// Name returns the provider name.
func (n *Noop) Name() string {
	return n.name
}

// Query returns a canned JSON payload for the domain.
func (n *Noop) Query(_ context.Context, domain string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"provider": n.name,
		"domain":   domain,
		"response": "noop",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal noop payload: %w", err)
	}
	return payload, nil
}
