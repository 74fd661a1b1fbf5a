// Package pubsub implements a Google Cloud Pub/Sub publisher for sweep
// completion events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/llmrank/domain-runner/internal/sweep"
)

// Publisher wraps a Pub/Sub topic handle. The topic passed to Publish is
// ignored; the handle is bound at construction.
type Publisher struct {
	topic *pubsub.Topic
}

var _ sweep.Publisher = (*Publisher)(nil)

// New creates a Publisher bound to the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals the payload to JSON and publishes it, blocking until the
// server acknowledges and returning the message ID.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"source": "domain-runner"},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes outstanding messages; call it on shutdown.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
