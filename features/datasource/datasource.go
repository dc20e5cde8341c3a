package datasource

import (
	"context"
	"errors"

	"agentcloud/vector-proxy/internal/worker"
)

var ErrNotFound = errors.New("datasource not found")

// Datasource is the embedding configuration of a logical record origin.
type Datasource struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	EmbeddingModel   *string                `json:"embedding_model,omitempty"`
	EmbeddingKey     *string                `json:"embedding_key,omitempty"`
	PrimaryKey       []string               `json:"primary_key,omitempty"`
	ChunkingStrategy *worker.ChunkingConfig `json:"chunking_strategy,omitempty"`
	RecordCount      RecordCount            `json:"record_count"`
}

// StreamConfig overrides a datasource's defaults for one stream.
type StreamConfig struct {
	DatasourceID     string                 `json:"datasource_id"`
	StreamKey        string                 `json:"stream_key"`
	EmbeddingKey     *string                `json:"embedding_key,omitempty"`
	PrimaryKey       []string               `json:"primary_key,omitempty"`
	ChunkingStrategy *worker.ChunkingConfig `json:"chunking_strategy,omitempty"`
}

type RecordCount struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

type Repository interface {
	Get(ctx context.Context, id string, streamKey *string) (*worker.SourceConfig, error)
	IncrementCounter(ctx context.Context, id string, field worker.CounterField) error
	GetRecordCount(ctx context.Context, id string) (*RecordCount, error)
	Save(ctx context.Context, ds *Datasource) error
	SaveStream(ctx context.Context, sc *StreamConfig) error
}

var _ worker.ConfigResolver = (*PostgresRepo)(nil)
