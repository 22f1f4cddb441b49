// Package pubsub publishes commit notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Publisher implements crawler.Publisher on a Pub/Sub client. It keeps one
// publisher handle per topic.
type Publisher struct {
	client  *pubsub.Client
	project string
	logger  *zap.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

func fullTopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// New wraps an existing client.
func New(client *pubsub.Client, projectID string, logger *zap.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("pubsub project is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:     client,
		project:    projectID,
		logger:     logger.Named("pubsub"),
		publishers: make(map[string]*pubsub.Publisher),
	}, nil
}

// Dial connects with Application Default Credentials and checks that topicID
// exists and is active before returning.
func Dial(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p, err := New(client, projectID, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := p.CheckTopic(ctx, topicID); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			p.logger.Warn("close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, err
	}
	return p, nil
}

// CheckTopic fails unless topicID exists and is active.
func (p *Publisher) CheckTopic(ctx context.Context, topicID string) error {
	topic, err := p.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
		Topic: fullTopicName(p.project, topicID),
	})
	if err != nil {
		return fmt.Errorf("get pubsub topic %q: %w", topicID, err)
	}
	if topic.GetState() != pubsubpb.Topic_ACTIVE {
		return fmt.Errorf("pubsub topic %q in project %q is not active", topicID, p.project)
	}
	return nil
}

// Publish marshals the payload to JSON, publishes it to topic and waits for
// the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"content-type": "application/json"}}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.publisher(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	p.logger.Debug("published", zap.String("topic", topic), zap.String("message_id", id))
	return id, nil
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(fullTopicName(p.project, topic))
		p.publishers[topic] = pub
	}
	return pub
}

// Close flushes pending publishes and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, pub := range p.publishers {
		pub.Stop()
	}
	clear(p.publishers)
	p.mu.Unlock()
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
