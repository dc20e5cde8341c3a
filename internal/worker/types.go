package worker

import (
	"context"
	"errors"
	"maps"
)

var (
	ErrMissingSourceID   = errors.New("missing datasource id")
	ErrEmptyRecord       = errors.New("record is empty")
	ErrEmbedding         = errors.New("embedding failed")
	ErrMissingPrimaryKey = errors.New("primary key field missing from record")
	ErrUnknownCounter    = errors.New("unknown counter field")
)

// PageContentKey holds the embedded text in every stored payload.
const PageContentKey = "page_content"

// IndexKey holds the dedup identifier when primary keys are configured.
const IndexKey = "index"

// EnvelopeKey wraps user data when a connector delivers through Pub/Sub.
const EnvelopeKey = "_airbyte_data"

// RawMessage is a record as handed over by a queue backend.
type RawMessage struct {
	SourceID  string
	StreamKey *string
	Payload   string
}

// Metadata is the flat, string-valued view of a decoded record.
type Metadata map[string]string

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// ModelRef names an embedding model, e.g. "text-embedding-3-small".
type ModelRef string

type ChunkingConfig struct {
	Strategy            string  `json:"strategy"`
	MaxCharacters       int     `json:"max_characters,omitempty"`
	Overlap             int     `json:"overlap,omitempty"`
	PartitionBy         string  `json:"partition_by,omitempty"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
}

type SourceConfig struct {
	EmbeddingModel     *ModelRef
	PrimaryKeyFields   []string
	EmbeddingFieldName *string
	ChunkingStrategy   *ChunkingConfig
}

// Point is a storage-ready vector. ID is nil when the store should assign one.
type Point struct {
	ID      *string
	Vector  []float32
	Payload Metadata
}

type Status int

const (
	StatusOK Status = iota
	StatusOther
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "other"
}

type SearchType string

const SearchTypeCollection SearchType = "collection"

// SearchTarget scopes a vector store operation.
type SearchTarget struct {
	Type       SearchType
	Collection string
}

type CounterField string

const (
	CounterSuccess CounterField = "recordCount.success"
	CounterFailure CounterField = "recordCount.failure"
)

type ConfigResolver interface {
	Get(ctx context.Context, sourceID string, streamKey *string) (*SourceConfig, error)
	IncrementCounter(ctx context.Context, sourceID string, field CounterField) error
}

type EmbeddingModel interface {
	Embed(ctx context.Context, sourceID string, model ModelRef, texts []string) ([][]float32, error)
}

type VectorStore interface {
	Insert(ctx context.Context, target SearchTarget, point Point) (Status, error)
}
