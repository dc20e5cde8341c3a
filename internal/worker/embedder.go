package worker

import (
	"context"
	"fmt"
)

// EmbedTextConstructPoint removes field from a copy of md, embeds its value
// and returns a point carrying the vector and the remaining metadata. The
// embedded text is kept in the payload under PageContentKey.
func (d *Dispatcher) EmbedTextConstructPoint(
	ctx context.Context,
	md Metadata,
	field string,
	sourceID string,
	model ModelRef,
	chunking *ChunkingConfig,
) (Point, error) {
	if sourceID == "" {
		return Point{}, ErrMissingSourceID
	}
	if len(md) == 0 {
		return Point{}, ErrEmptyRecord
	}

	payload := md.Clone()
	value, ok := payload[field]
	if !ok {
		return Point{}, fmt.Errorf("%w: field %q not present", ErrEmptyRecord, field)
	}
	delete(payload, field)

	if chunking != nil {
		// Chunking is handled by an upstream partitioner; the raw value is embedded as is.
		d.logger.DebugContext(ctx, "chunking strategy configured, embedding raw value",
			"strategy", chunking.Strategy)
	}
	payload[PageContentKey] = value

	embedCtx, cancel := context.WithTimeout(ctx, d.embedTimeout)
	defer cancel()

	vectors, err := d.embedder.Embed(embedCtx, sourceID, model, []string{value})
	if err != nil {
		return Point{}, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return Point{}, fmt.Errorf("%w: model %s returned no vectors", ErrEmbedding, model)
	}

	var id *string
	if idx, ok := payload[IndexKey]; ok {
		id = &idx
	}

	return Point{ID: id, Vector: vectors[0], Payload: payload}, nil
}

// HandleEmbedding builds a point for md and inserts it into the datasource's
// collection. Every call increments exactly one of the datasource's success
// or failure counters.
func (d *Dispatcher) HandleEmbedding(
	ctx context.Context,
	md Metadata,
	field string,
	sourceID string,
	model ModelRef,
	chunking *ChunkingConfig,
) {
	point, err := d.EmbedTextConstructPoint(ctx, md, field, sourceID, model, chunking)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to construct point", "error", err, "model", model)
		d.increment(ctx, sourceID, CounterFailure)
		return
	}

	target := SearchTarget{Type: SearchTypeCollection, Collection: sourceID}

	insertCtx, cancel := context.WithTimeout(ctx, d.insertTimeout)
	status, err := d.store.Insert(insertCtx, target, point)
	cancel()

	switch {
	case err != nil:
		d.logger.WarnContext(ctx, "failed to insert point into vector database", "error", err)
		d.increment(ctx, sourceID, CounterFailure)
	case status != StatusOK:
		d.logger.WarnContext(ctx, "vector database rejected point", "status", status.String())
		d.increment(ctx, sourceID, CounterFailure)
	default:
		d.increment(ctx, sourceID, CounterSuccess)
	}
}

func (d *Dispatcher) increment(ctx context.Context, sourceID string, field CounterField) {
	if err := d.resolver.IncrementCounter(ctx, sourceID, field); err != nil {
		d.logger.ErrorContext(ctx, "failed to increment record counter", "error", err, "field", string(field))
	}
}
