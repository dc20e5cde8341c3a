// Package embedding routes a datasource's configured model to the provider
// that serves it.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentcloud/vector-proxy/internal/worker"
)

var (
	ErrUnsupportedModel      = errors.New("unsupported embedding model")
	ErrProviderNotConfigured = errors.New("embedding provider not configured")
)

type ProviderName string

const (
	ProviderOpenAI ProviderName = "openai"
	ProviderGemini ProviderName = "gemini"
)

// Provider embeds a batch of texts with a named model.
type Provider interface {
	EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error)
}

var models = map[worker.ModelRef]ProviderName{
	"text-embedding-ada-002": ProviderOpenAI,
	"text-embedding-3-small": ProviderOpenAI,
	"text-embedding-3-large": ProviderOpenAI,
	"gemini-embedding-001":   ProviderGemini,
	"text-embedding-004":     ProviderGemini,
	"embedding-001":          ProviderGemini,
}

// ProviderFor reports which provider serves model.
func ProviderFor(model worker.ModelRef) (ProviderName, error) {
	p, ok := models[model]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}
	return p, nil
}

type Registry struct {
	providers map[ProviderName]Provider
	logger    *slog.Logger
}

type Option func(*Registry)

// WithProvider registers p. A nil provider is ignored so callers can pass
// adapters that were skipped for lack of credentials.
func WithProvider(name ProviderName, p Provider) Option {
	return func(r *Registry) {
		if p != nil {
			r.providers[name] = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		providers: make(map[ProviderName]Provider),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Embed implements worker.EmbeddingModel.
func (r *Registry) Embed(ctx context.Context, sourceID string, model worker.ModelRef, texts []string) ([][]float32, error) {
	name, err := ProviderFor(model)
	if err != nil {
		return nil, err
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (model %s)", ErrProviderNotConfigured, name, model)
	}

	r.logger.DebugContext(ctx, "embedding texts", "datasource_id", sourceID, "provider", name, "model", model, "count", len(texts))
	vectors, err := p.EmbedTexts(ctx, string(model), texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("provider %s returned %d vectors for %d texts", name, len(vectors), len(texts))
	}
	return vectors, nil
}

// Configured lists the providers that have an adapter.
func (r *Registry) Configured() []ProviderName {
	out := make([]ProviderName, 0, len(r.providers))
	for _, name := range []ProviderName{ProviderOpenAI, ProviderGemini} {
		if _, ok := r.providers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

var _ worker.EmbeddingModel = (*Registry)(nil)
