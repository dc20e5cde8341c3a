package worker_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"agentcloud/vector-proxy/internal/worker"
)

// Mocks

type MockResolver struct{ mock.Mock }

func (m *MockResolver) Get(ctx context.Context, sourceID string, streamKey *string) (*worker.SourceConfig, error) {
	args := m.Called(ctx, sourceID, streamKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*worker.SourceConfig), args.Error(1)
}

func (m *MockResolver) IncrementCounter(ctx context.Context, sourceID string, field worker.CounterField) error {
	args := m.Called(ctx, sourceID, field)
	return args.Error(0)
}

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, sourceID string, model worker.ModelRef, texts []string) ([][]float32, error) {
	args := m.Called(ctx, sourceID, model, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

type MockVectorStore struct{ mock.Mock }

func (m *MockVectorStore) Insert(ctx context.Context, target worker.SearchTarget, point worker.Point) (worker.Status, error) {
	args := m.Called(ctx, target, point)
	return args.Get(0).(worker.Status), args.Error(1)
}

// blockingEmbedder records how many Embed calls overlap and holds each one
// until release is closed.
type blockingEmbedder struct {
	release chan struct{}
	current atomic.Int32
	max     atomic.Int32
	calls   atomic.Int32
}

func newBlockingEmbedder() *blockingEmbedder {
	return &blockingEmbedder{release: make(chan struct{})}
}

func (e *blockingEmbedder) Embed(ctx context.Context, sourceID string, model worker.ModelRef, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	n := e.current.Add(1)
	for {
		m := e.max.Load()
		if n <= m || e.max.CompareAndSwap(m, n) {
			break
		}
	}
	defer e.current.Add(-1)

	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return [][]float32{{0.1, 0.2}}, nil
}

// countingResolver serves a fixed config and tallies counter increments.
type countingResolver struct {
	cfg *worker.SourceConfig

	mu       sync.Mutex
	counters map[string]int
}

func newCountingResolver(cfg *worker.SourceConfig) *countingResolver {
	return &countingResolver{cfg: cfg, counters: map[string]int{}}
}

func (r *countingResolver) Get(ctx context.Context, sourceID string, streamKey *string) (*worker.SourceConfig, error) {
	return r.cfg, nil
}

func (r *countingResolver) IncrementCounter(ctx context.Context, sourceID string, field worker.CounterField) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[sourceID+"/"+string(field)]++
	return nil
}

func (r *countingResolver) count(sourceID string, field worker.CounterField) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[sourceID+"/"+string(field)]
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, sourceID string, model worker.ModelRef, texts []string) ([][]float32, error) {
	return [][]float32{{0.1, 0.2}}, nil
}

type okStore struct{}

func (okStore) Insert(ctx context.Context, target worker.SearchTarget, point worker.Point) (worker.Status, error) {
	return worker.StatusOK, nil
}

func ptr[T any](v T) *T { return &v }
