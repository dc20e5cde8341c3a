// Package rabbitmq consumes records from a RabbitMQ queue.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"agentcloud/vector-proxy/internal/config"
	"agentcloud/vector-proxy/internal/queue"
	"agentcloud/vector-proxy/internal/worker"
)

const consumerTag = "vector-proxy"

var ErrMissingDatasource = errors.New("delivery has no datasource id")

func init() {
	queue.Register(queue.ProviderRabbitMQ, func(cfg *config.Config, logger *slog.Logger) queue.Backend {
		return NewBackend(cfg, logger)
	})
}

// FromDelivery builds a RawMessage from delivery metadata. The datasource id
// comes from the datasourceId header, falling back to the routing key.
func FromDelivery(headers amqp.Table, routingKey string, body []byte) (worker.RawMessage, error) {
	sourceID := headerString(headers, config.HeaderDatasourceID)
	if sourceID == "" {
		sourceID = routingKey
	}
	if sourceID == "" {
		return worker.RawMessage{}, ErrMissingDatasource
	}

	msg := worker.RawMessage{SourceID: sourceID, Payload: string(body)}
	if stream := headerString(headers, config.HeaderStream); stream != "" {
		msg.StreamKey = &stream
	}
	return msg, nil
}

func headerString(h amqp.Table, key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

type Backend struct {
	cfg    *config.Config
	logger *slog.Logger
}

func NewBackend(cfg *config.Config, logger *slog.Logger) *Backend {
	return &Backend{cfg: cfg, logger: logger}
}

func (b *Backend) Connect(ctx context.Context) queue.Connection {
	conn, err := amqp.Dial(b.cfg.RabbitMQURL)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to dial rabbitmq", "error", err)
		return nil
	}

	ch, err := conn.Channel()
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to open rabbitmq channel", "error", err)
		_ = conn.Close()
		return nil
	}

	if b.cfg.RabbitMQPrefetch > 0 {
		if err := ch.Qos(b.cfg.RabbitMQPrefetch, 0, false); err != nil {
			b.logger.ErrorContext(ctx, "failed to set rabbitmq prefetch", "error", err)
			_ = conn.Close()
			return nil
		}
	}

	if _, err := ch.QueueDeclare(b.cfg.RabbitMQQueue, true, false, false, false, nil); err != nil {
		b.logger.ErrorContext(ctx, "failed to declare rabbitmq queue", "error", err, "queue", b.cfg.RabbitMQQueue)
		_ = conn.Close()
		return nil
	}

	b.logger.InfoContext(ctx, "rabbitmq consumer connected", "queue", b.cfg.RabbitMQQueue)
	return &Connection{conn: conn, ch: ch, queue: b.cfg.RabbitMQQueue, logger: b.logger}
}

type Connection struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *slog.Logger
}

// Consume acks each delivery once the dispatcher has accepted it. Deliveries
// without a datasource id are rejected without requeue.
func (c *Connection) Consume(ctx context.Context, out chan<- worker.RawMessage) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return queue.ErrConnectionClosed
			}
			if err := c.handle(ctx, d, out); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) handle(ctx context.Context, d amqp.Delivery, out chan<- worker.RawMessage) error {
	msg, err := FromDelivery(d.Headers, d.RoutingKey, d.Body)
	if err != nil {
		c.logger.ErrorContext(ctx, "poison pill: unroutable delivery", "error", err, "delivery_tag", d.DeliveryTag)
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.WarnContext(ctx, "failed to nack delivery", "error", nackErr)
		}
		return nil
	}

	if err := queue.Deliver(ctx, out, msg); err != nil {
		// Not handed off; let the broker redeliver it.
		_ = d.Nack(false, true)
		return err
	}
	if err := d.Ack(false); err != nil {
		c.logger.WarnContext(ctx, "failed to ack delivery", "error", err, "delivery_tag", d.DeliveryTag)
	}
	return nil
}

func (c *Connection) Close() error {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("failed to close rabbitmq channel", "error", err)
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
