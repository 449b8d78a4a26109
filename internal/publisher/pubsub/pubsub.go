// Package pubsub publishes terminal job results to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// Publisher sends JSON-encoded payloads to Pub/Sub topics. Topic handles are
// cached per topic name.
type Publisher struct {
	client *gpubsub.Client
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*gpubsub.Topic
}

// New connects to Pub/Sub for the given project.
func New(ctx context.Context, projectID string, logger *zap.Logger) (*Publisher, error) {
	client, err := gpubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &Publisher{
		client: client,
		logger: logger,
		topics: make(map[string]*gpubsub.Topic),
	}, nil
}

// Publish JSON-encodes the payload and blocks until the broker acknowledges
// the message.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	t := p.topic(topic)
	res := t.Publish(ctx, &gpubsub.Message{Data: data})
	id, err := res.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("published result",
		zap.String("topic", topic),
		zap.String("message_id", id))
	return id, nil
}

// Close flushes cached topics and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}

func (p *Publisher) topic(name string) *gpubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}
