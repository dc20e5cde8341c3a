package datasource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"agentcloud/vector-proxy/internal/worker"
)

var counterColumns = map[worker.CounterField]string{
	worker.CounterSuccess: "record_count_success",
	worker.CounterFailure: "record_count_failure",
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Get resolves the embedding configuration of a datasource. A matching
// stream row overrides the datasource defaults field by field.
func (r *PostgresRepo) Get(ctx context.Context, id string, streamKey *string) (*worker.SourceConfig, error) {
	query := `
		SELECT d.embedding_model,
		       COALESCE(s.primary_key, d.primary_key),
		       COALESCE(s.embedding_key, d.embedding_key),
		       COALESCE(s.chunking_strategy, d.chunking_strategy)
		FROM datasources d
		LEFT JOIN datasource_streams s ON s.datasource_id = d.id AND s.stream_key = $2
		WHERE d.id = $1
	`
	var stream sql.NullString
	if streamKey != nil {
		stream = sql.NullString{String: *streamKey, Valid: true}
	}

	var (
		model        sql.NullString
		primaryKey   pq.StringArray
		embeddingKey sql.NullString
		chunking     []byte
	)
	err := r.db.QueryRowContext(ctx, query, id, stream).Scan(&model, &primaryKey, &embeddingKey, &chunking)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	cfg := &worker.SourceConfig{}
	if model.Valid && model.String != "" {
		m := worker.ModelRef(model.String)
		cfg.EmbeddingModel = &m
	}
	if len(primaryKey) > 0 {
		cfg.PrimaryKeyFields = []string(primaryKey)
	}
	if embeddingKey.Valid && embeddingKey.String != "" {
		k := embeddingKey.String
		cfg.EmbeddingFieldName = &k
	}
	if len(chunking) > 0 && string(chunking) != "null" {
		var cc worker.ChunkingConfig
		if err := json.Unmarshal(chunking, &cc); err != nil {
			return nil, fmt.Errorf("invalid chunking strategy for datasource %s: %w", id, err)
		}
		cfg.ChunkingStrategy = &cc
	}
	return cfg, nil
}

// IncrementCounter adds one to a record counter in a single atomic statement.
func (r *PostgresRepo) IncrementCounter(ctx context.Context, id string, field worker.CounterField) error {
	col, ok := counterColumns[field]
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrUnknownCounter, field)
	}

	query := fmt.Sprintf(`UPDATE datasources SET %s = %s + 1, updated_at = NOW() WHERE id = $1`, col, col) // #nosec G201 -- column comes from a fixed allow-list
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *PostgresRepo) GetRecordCount(ctx context.Context, id string) (*RecordCount, error) {
	rc := &RecordCount{}
	query := `SELECT record_count_success, record_count_failure FROM datasources WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&rc.Success, &rc.Failure)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// Save inserts or updates a datasource's embedding configuration. Counters are left untouched.
func (r *PostgresRepo) Save(ctx context.Context, ds *Datasource) error {
	chunking, err := marshalChunking(ds.ChunkingStrategy)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO datasources (id, name, embedding_model, embedding_key, primary_key, chunking_strategy)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			embedding_model = EXCLUDED.embedding_model,
			embedding_key = EXCLUDED.embedding_key,
			primary_key = EXCLUDED.primary_key,
			chunking_strategy = EXCLUDED.chunking_strategy,
			updated_at = NOW()
	`
	_, err = r.db.ExecContext(ctx, query, ds.ID, ds.Name, nullString(ds.EmbeddingModel), nullString(ds.EmbeddingKey), pq.Array(ds.PrimaryKey), chunking)
	return err
}

func (r *PostgresRepo) SaveStream(ctx context.Context, sc *StreamConfig) error {
	chunking, err := marshalChunking(sc.ChunkingStrategy)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO datasource_streams (datasource_id, stream_key, embedding_key, primary_key, chunking_strategy)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (datasource_id, stream_key) DO UPDATE SET
			embedding_key = EXCLUDED.embedding_key,
			primary_key = EXCLUDED.primary_key,
			chunking_strategy = EXCLUDED.chunking_strategy
	`
	_, err = r.db.ExecContext(ctx, query, sc.DatasourceID, sc.StreamKey, nullString(sc.EmbeddingKey), pq.Array(sc.PrimaryKey), chunking)
	return err
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func marshalChunking(cc *worker.ChunkingConfig) ([]byte, error) {
	if cc == nil {
		return nil, nil
	}
	b, err := json.Marshal(cc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunking strategy: %w", err)
	}
	return b, nil
}
