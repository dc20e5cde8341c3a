package openai

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

var ErrMissingAPIKey = errors.New("openai api key not configured")

// Embedder embeds text with OpenAI-compatible endpoints. langchaingo binds
// the model to the client, so one embedder is kept per model name.
type Embedder struct {
	apiKey  string
	baseURL string

	mu        sync.RWMutex
	embedders map[string]embeddings.Embedder
	logger    *slog.Logger
}

func NewEmbedder(apiKey, baseURL string) (*Embedder, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	return &Embedder{
		apiKey:    apiKey,
		baseURL:   baseURL,
		embedders: make(map[string]embeddings.Embedder),
		logger:    slog.Default().With("component", "openai-embedder"),
	}, nil
}

// EmbedTexts returns one vector per input text, in input order.
func (e *Embedder) EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error) {
	emb, err := e.embedderFor(model)
	if err != nil {
		return nil, err
	}

	e.logger.DebugContext(ctx, "generating embeddings", "model", model, "count", len(texts))
	vectors, err := emb.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to generate embeddings", "model", model, "count", len(texts), "error", err)
		return nil, err
	}
	return vectors, nil
}

func (e *Embedder) embedderFor(model string) (embeddings.Embedder, error) {
	e.mu.RLock()
	emb, ok := e.embedders[model]
	e.mu.RUnlock()
	if ok {
		return emb, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if emb, ok := e.embedders[model]; ok {
		return emb, nil
	}

	opts := []openai.Option{
		openai.WithToken(e.apiKey),
		openai.WithEmbeddingModel(model),
	}
	if e.baseURL != "" {
		opts = append(opts, openai.WithBaseURL(e.baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}

	emb, err = embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, err
	}
	e.embedders[model] = emb
	return emb, nil
}
