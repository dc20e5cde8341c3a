// Package queue normalizes message-queue backends into a stream of
// worker.RawMessage values for the dispatcher.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcloud/vector-proxy/internal/config"
	"agentcloud/vector-proxy/internal/worker"
)

var (
	ErrUnknownProvider  = errors.New("unknown queue provider")
	ErrConnectionClosed = errors.New("queue connection closed")
	ErrNotConnected     = errors.New("queue not connected")
)

type Provider int

const (
	ProviderUnknown Provider = iota
	ProviderNSQ
	ProviderRabbitMQ
	ProviderPubSub
)

func (p Provider) String() string {
	switch p {
	case ProviderNSQ:
		return "nsq"
	case ProviderRabbitMQ:
		return "rabbitmq"
	case ProviderPubSub:
		return "pubsub"
	default:
		return "unknown"
	}
}

// ParseProvider maps a QUEUE_PROVIDER value to a Provider. "google" is
// accepted as an alias for Pub/Sub.
func ParseProvider(s string) Provider {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case config.ProviderNSQ:
		return ProviderNSQ
	case config.ProviderRabbitMQ:
		return ProviderRabbitMQ
	case config.ProviderGoogle, config.ProviderPubSub:
		return ProviderPubSub
	default:
		return ProviderUnknown
	}
}

// Backend opens connections to one queue system. Connect returns nil when
// no connection could be established; retrying is up to the caller.
type Backend interface {
	Connect(ctx context.Context) Connection
}

// Connection is a live subscription. Consume blocks, pushing every received
// record into out until ctx is cancelled or the connection drops.
type Connection interface {
	Consume(ctx context.Context, out chan<- worker.RawMessage) error
	Close() error
}

type Factory func(cfg *config.Config, logger *slog.Logger) Backend

var (
	mu        sync.RWMutex
	factories = make(map[Provider]Factory)
)

// Register makes a backend available to New. It is called from the init
// function of each backend package and panics on duplicate registration.
func Register(p Provider, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("queue: Register factory is nil")
	}
	if _, dup := factories[p]; dup {
		panic("queue: Register called twice for provider " + p.String())
	}
	factories[p] = f
}

// New builds the backend named by provider.
func New(provider string, cfg *config.Config, logger *slog.Logger) (Backend, error) {
	p := ParseProvider(provider)
	mu.RLock()
	f, ok := factories[p]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownProvider, provider, strings.Join(Registered(), ", "))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return f(cfg, logger.With("queue", p.String())), nil
}

func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for p := range factories {
		names = append(names, p.String())
	}
	sort.Strings(names)
	return names
}

// ConnectWithRetry calls Connect up to attempts times, sleeping delay
// between tries.
func ConnectWithRetry(ctx context.Context, b Backend, attempts int, delay time.Duration) (Connection, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if conn := b.Connect(ctx); conn != nil {
			return conn, nil
		}
		slog.WarnContext(ctx, "failed to connect to queue, retrying...", "attempt", i+1, "max_attempts", attempts)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, ErrNotConnected
}

// Deliver hands msg to out, giving up when ctx is done.
func Deliver(ctx context.Context, out chan<- worker.RawMessage, msg worker.RawMessage) error {
	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
