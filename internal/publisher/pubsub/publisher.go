// Package pubsub publishes article notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// ContentTypeAttr is set on every message this package publishes.
const ContentTypeAttr = "content_type"

// Publisher publishes JSON payloads, keeping one topic publisher per topic.
type Publisher struct {
	client *pubsub.Client
	owned  bool
	logger *zap.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
	closed     bool
}

// Dial creates a client for projectID using Application Default Credentials
// unless opts say otherwise. Close releases the client.
func Dial(ctx context.Context, projectID string, logger *zap.Logger, opts ...option.ClientOption) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := New(client, logger)
	p.owned = true
	return p, nil
}

// New wraps an existing client. Close stops topic publishers but leaves the
// client open.
func New(client *pubsub.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:     client,
		logger:     logger,
		publishers: make(map[string]*pubsub.Publisher),
	}
}

// CheckTopic verifies that topic exists and is active.
func (p *Publisher) CheckTopic(ctx context.Context, topic string) error {
	if p.client == nil {
		return errors.New("pubsub publisher is not configured")
	}
	got, err := p.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: p.topicName(topic)})
	if err != nil {
		return fmt.Errorf("get pubsub topic %q: %w", topic, err)
	}
	if got.GetState() != pubsubpb.Topic_ACTIVE && got.GetState() != pubsubpb.Topic_STATE_UNSPECIFIED {
		return fmt.Errorf("pubsub topic %q is not active (state %s)", topic, got.GetState())
	}
	return nil
}

// Publish marshals the payload to JSON, publishes it to topic and waits for
// the server to assign a message ID. The caller's trace context travels in the
// message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	pub, err := p.publisher(topic)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{ContentTypeAttr: "application/json"},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := pub.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", topic, err)
	}
	p.logger.Debug("pubsub message published", zap.String("topic", topic), zap.String("message_id", id))
	return id, nil
}

func (p *Publisher) publisher(topic string) (*pubsub.Publisher, error) {
	if p.client == nil {
		return nil, errors.New("pubsub publisher is not configured")
	}
	if topic == "" {
		return nil, errors.New("pubsub topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("pubsub publisher is closed")
	}
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		p.publishers[topic] = pub
	}
	return pub, nil
}

func (p *Publisher) topicName(topic string) string {
	if strings.HasPrefix(topic, "projects/") {
		return topic
	}
	return fmt.Sprintf("projects/%s/topics/%s", p.client.Project(), topic)
}

// Close flushes pending messages and stops every topic publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pubs := p.publishers
	p.publishers = nil
	p.mu.Unlock()

	for _, pub := range pubs {
		pub.Stop()
	}
	if p.owned && p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
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
