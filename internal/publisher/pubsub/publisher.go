// Package pubsub publishes lifecycle notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/extraction-supervisor/internal/publisher"
)

// Config identifies the topic.
type Config struct {
	ProjectID string
	TopicName string
}

// Publisher wraps a Pub/Sub topic with message ordering enabled so that one
// record's transitions arrive in order.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

var _ publisher.Publisher = (*Publisher)(nil)

// New connects a client and opens the configured topic.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		return nil, fmt.Errorf("pubsub.project_id and pubsub.topic_name are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicName)
	topic.EnableMessageOrdering = true
	return &Publisher{client: client, topic: topic}, nil
}

// NewWithTopic wraps an existing topic handle (primarily for testing).
func NewWithTopic(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals the payload to JSON, injects trace context into the
// attributes and waits for the server ID.
func (p *Publisher) Publish(ctx context.Context, msg publisher.Message) (string, error) {
	if p == nil || p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	out := &pubsub.Message{
		Data:        data,
		OrderingKey: msg.OrderingKey,
		Attributes:  make(map[string]string, len(msg.Attributes)+2),
	}
	for k, v := range msg.Attributes {
		out.Attributes[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: out.Attributes})

	id, err := p.topic.Publish(ctx, out).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	if p == nil || p.topic == nil {
		return nil
	}
	p.topic.Stop()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
