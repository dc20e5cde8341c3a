// Package nsq consumes records from an NSQ topic.
package nsq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nsqio/go-nsq"

	"agentcloud/vector-proxy/internal/config"
	"agentcloud/vector-proxy/internal/queue"
	"agentcloud/vector-proxy/internal/worker"
)

var ErrInvalidEnvelope = errors.New("invalid nsq envelope")

func init() {
	queue.Register(queue.ProviderNSQ, func(cfg *config.Config, logger *slog.Logger) queue.Backend {
		return NewBackend(cfg, logger)
	})
}

// Envelope is the JSON body published on the topic. Data is forwarded to
// the dispatcher untouched.
type Envelope struct {
	DatasourceID string          `json:"datasource_id"`
	Stream       *string         `json:"stream,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// ParseEnvelope converts a message body into a RawMessage.
func ParseEnvelope(body []byte) (worker.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return worker.RawMessage{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.DatasourceID == "" {
		return worker.RawMessage{}, fmt.Errorf("%w: missing datasource_id", ErrInvalidEnvelope)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return worker.RawMessage{}, fmt.Errorf("%w: missing data", ErrInvalidEnvelope)
	}
	msg := worker.RawMessage{SourceID: env.DatasourceID, Payload: string(env.Data)}
	if env.Stream != nil && *env.Stream != "" {
		msg.StreamKey = env.Stream
	}
	return msg, nil
}

type Backend struct {
	cfg    *config.Config
	logger *slog.Logger
}

func NewBackend(cfg *config.Config, logger *slog.Logger) *Backend {
	return &Backend{cfg: cfg, logger: logger}
}

// Connect subscribes to the configured topic and channel, preferring
// nsqlookupd discovery when NSQ_LOOKUPD is set.
func (b *Backend) Connect(ctx context.Context) queue.Connection {
	nsqCfg := nsq.NewConfig()
	if b.cfg.NSQMaxInFlight > 0 {
		nsqCfg.MaxInFlight = b.cfg.NSQMaxInFlight
	}

	consumer, err := nsq.NewConsumer(b.cfg.NSQTopic, b.cfg.NSQChannel, nsqCfg)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to create NSQ consumer", "error", err)
		return nil
	}
	consumer.SetLogger(&logAdapter{logger: b.logger}, nsq.LogLevelWarning)

	conn := &Connection{
		consumer:   consumer,
		deliveries: make(chan delivery),
		closing:    make(chan struct{}),
		logger:     b.logger,
	}
	consumer.AddHandler(conn)

	if b.cfg.NSQLookupd != "" {
		err = consumer.ConnectToNSQLookupds(strings.Split(b.cfg.NSQLookupd, ","))
	} else {
		err = consumer.ConnectToNSQD(b.cfg.NSQDHost)
	}
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to connect NSQ consumer", "error", err, "topic", b.cfg.NSQTopic)
		consumer.Stop()
		return nil
	}

	b.logger.InfoContext(ctx, "NSQ consumer connected", "topic", b.cfg.NSQTopic, "channel", b.cfg.NSQChannel)
	return conn
}

// delivery pairs a parsed message with the hand-off result the handler
// waits on before acking.
type delivery struct {
	msg  worker.RawMessage
	done chan error
}

type Connection struct {
	consumer   *nsq.Consumer
	deliveries chan delivery
	closing    chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
}

// HandleMessage is the go-nsq handler. Malformed envelopes are poison pills:
// they are logged and acked so they are never redelivered. Valid messages are
// acked only once Consume has placed them on the intake channel; anything
// else requeues them.
func (c *Connection) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	msg, err := ParseEnvelope(m.Body)
	if err != nil {
		c.logger.Error("poison pill: invalid envelope", "error", err)
		return nil
	}

	d := delivery{msg: msg, done: make(chan error, 1)}
	select {
	case c.deliveries <- d:
		return <-d.done
	case <-c.closing:
		// Returning an error requeues the message for another consumer.
		return queue.ErrConnectionClosed
	}
}

func (c *Connection) Consume(ctx context.Context, out chan<- worker.RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.consumer.StopChan:
			return queue.ErrConnectionClosed
		case d := <-c.deliveries:
			if err := queue.Deliver(ctx, out, d.msg); err != nil {
				d.done <- queue.ErrConnectionClosed
				return err
			}
			d.done <- nil
		}
	}
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.consumer.Stop()
		<-c.consumer.StopChan
	})
	return nil
}

// logAdapter routes go-nsq's internal logging through slog.
type logAdapter struct {
	logger *slog.Logger
}

func (l *logAdapter) Output(_ int, s string) error {
	l.logger.Warn("nsq", "message", s)
	return nil
}
