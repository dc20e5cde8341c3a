// Package pubsub consumes records from a Google Cloud Pub/Sub subscription.
package pubsub

import (
	"context"
	"errors"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"agentcloud/vector-proxy/internal/config"
	"agentcloud/vector-proxy/internal/queue"
	"agentcloud/vector-proxy/internal/worker"
)

var ErrMissingDatasource = errors.New("message has no datasourceId attribute")

func init() {
	queue.Register(queue.ProviderPubSub, func(cfg *config.Config, logger *slog.Logger) queue.Backend {
		return NewBackend(cfg, logger)
	})
}

// FromMessage builds a RawMessage from a Pub/Sub message's attributes and data.
func FromMessage(attrs map[string]string, data []byte) (worker.RawMessage, error) {
	sourceID := attrs[config.HeaderDatasourceID]
	if sourceID == "" {
		return worker.RawMessage{}, ErrMissingDatasource
	}
	msg := worker.RawMessage{SourceID: sourceID, Payload: string(data)}
	if stream := attrs[config.HeaderStream]; stream != "" {
		msg.StreamKey = &stream
	}
	return msg, nil
}

type Backend struct {
	cfg    *config.Config
	logger *slog.Logger
	opts   []option.ClientOption
}

func NewBackend(cfg *config.Config, logger *slog.Logger, opts ...option.ClientOption) *Backend {
	return &Backend{cfg: cfg, logger: logger, opts: opts}
}

// Connect opens a client and verifies the subscription exists.
func (b *Backend) Connect(ctx context.Context) queue.Connection {
	client, err := pubsub.NewClient(ctx, b.cfg.PubSubProjectID, b.opts...)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to create pubsub client", "error", err)
		return nil
	}

	sub := client.Subscription(b.cfg.PubSubSubscription)
	ok, err := sub.Exists(ctx)
	if err != nil || !ok {
		b.logger.ErrorContext(ctx, "pubsub subscription unavailable", "error", err, "subscription", b.cfg.PubSubSubscription)
		_ = client.Close()
		return nil
	}
	if b.cfg.IngestionConcurrency > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = b.cfg.IngestionConcurrency
	}

	b.logger.InfoContext(ctx, "pubsub consumer connected", "subscription", b.cfg.PubSubSubscription)
	return &Connection{client: client, sub: sub, logger: b.logger}
}

type Connection struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	logger *slog.Logger
}

func (c *Connection) Consume(ctx context.Context, out chan<- worker.RawMessage) error {
	err := c.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		msg, err := FromMessage(m.Attributes, m.Data)
		if err != nil {
			c.logger.ErrorContext(ctx, "poison pill: unroutable message", "error", err, "message_id", m.ID)
			m.Ack()
			return
		}
		if err := queue.Deliver(ctx, out, msg); err != nil {
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return queue.ErrConnectionClosed
}

func (c *Connection) Close() error {
	return c.client.Close()
}
