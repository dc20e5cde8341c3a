package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"agentcloud/vector-proxy/internal/middleware"
)

const (
	defaultEmbedTimeout  = 60 * time.Second
	defaultInsertTimeout = 30 * time.Second
)

// Dispatcher drains the intake channel and schedules embedding work on a
// bounded worker pool.
type Dispatcher struct {
	resolver ConfigResolver
	embedder EmbeddingModel
	store    VectorStore
	salt     string

	pool          *ants.Pool
	embedTimeout  time.Duration
	insertTimeout time.Duration
	logger        *slog.Logger

	inflight sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// WithConcurrency caps the number of embedding units running at once.
// Default is runtime.NumCPU().
func WithConcurrency(size int) Option {
	return func(d *Dispatcher) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if d.pool != nil {
			d.pool.Release()
		}
		d.pool = pool
		return nil
	}
}

// WithTimeouts bounds the embedding model call and the vector store insert.
// Non-positive values keep the defaults.
func WithTimeouts(embed, insert time.Duration) Option {
	return func(d *Dispatcher) error {
		if embed > 0 {
			d.embedTimeout = embed
		}
		if insert > 0 {
			d.insertTimeout = insert
		}
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		d.logger = logger
		return nil
	}
}

func NewDispatcher(resolver ConfigResolver, embedder EmbeddingModel, store VectorStore, salt string, opts ...Option) (*Dispatcher, error) {
	if resolver == nil {
		return nil, errors.New("config resolver required")
	}
	if embedder == nil {
		return nil, errors.New("embedding model required")
	}
	if store == nil {
		return nil, errors.New("vector store required")
	}

	d := &Dispatcher{
		resolver:      resolver,
		embedder:      embedder,
		store:         store,
		salt:          salt,
		embedTimeout:  defaultEmbedTimeout,
		insertTimeout: defaultInsertTimeout,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			d.Close()
			return nil, err
		}
	}

	if d.pool == nil {
		pool, err := ants.NewPool(runtime.NumCPU())
		if err != nil {
			return nil, err
		}
		d.pool = pool
	}

	return d, nil
}

// ProcessIncomingMessages consumes in until it is closed or ctx is done.
// Per-message failures are logged and never stop the loop. Messages already
// buffered in in when ctx is done are still processed, since the broker has
// acked them. In-flight embedding units are awaited before returning.
func (d *Dispatcher) ProcessIncomingMessages(ctx context.Context, in <-chan RawMessage) error {
	defer d.inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			d.drain(context.WithoutCancel(ctx), in)
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			d.processMessage(ctx, msg)
		}
	}
}

// drain processes whatever is buffered in in without waiting for more.
func (d *Dispatcher) drain(ctx context.Context, in <-chan RawMessage) {
	n := 0
	defer func() {
		if n > 0 {
			d.logger.InfoContext(ctx, "processed buffered messages after shutdown", "count", n)
		}
	}()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			n++
			d.processMessage(ctx, msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) processMessage(ctx context.Context, msg RawMessage) {
	ctx = middleware.WithCorrelationID(ctx, uuid.New().String())
	ctx = middleware.WithDatasourceID(ctx, msg.SourceID)

	decoded, err := DecodePayload(msg.Payload)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to decode message payload", "error", err)
		return
	}

	cfg, err := d.resolver.Get(ctx, msg.SourceID, msg.StreamKey)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to resolve datasource config", "error", err)
		return
	}
	if cfg == nil || cfg.EmbeddingModel == nil {
		return
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		d.logger.DebugContext(ctx, "payload is not an object, dropping")
		return
	}

	md := ToMetadata(UnwrapEnvelope(obj))

	if len(cfg.PrimaryKeyFields) > 0 {
		key, err := BuildDedupKey(d.salt, cfg.PrimaryKeyFields, md)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to build dedup key, dropping", "error", err)
			return
		}
		md[IndexKey] = key
	}

	if cfg.EmbeddingFieldName == nil {
		return
	}

	field := *cfg.EmbeddingFieldName
	model := *cfg.EmbeddingModel
	chunking := cfg.ChunkingStrategy
	sourceID := msg.SourceID
	unitCtx := context.WithoutCancel(ctx)

	d.inflight.Add(1)
	err = d.pool.Submit(func() {
		defer d.inflight.Done()
		d.HandleEmbedding(unitCtx, md, field, sourceID, model, chunking)
		d.logger.InfoContext(unitCtx, "finished embedding task")
	})
	if err != nil {
		d.inflight.Done()
		d.logger.ErrorContext(ctx, "failed to schedule embedding task", "error", err)
	}
}

// Running reports the number of embedding units currently executing.
func (d *Dispatcher) Running() int {
	return d.pool.Running()
}

// Close releases the worker pool. The dispatcher must not be used afterwards.
func (d *Dispatcher) Close() {
	if d.pool != nil {
		d.pool.Release()
	}
}
