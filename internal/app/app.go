package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"agentcloud/vector-proxy/features/datasource"
	"agentcloud/vector-proxy/features/stats"
	"agentcloud/vector-proxy/internal/adapter/gemini"
	"agentcloud/vector-proxy/internal/adapter/openai"
	"agentcloud/vector-proxy/internal/config"
	"agentcloud/vector-proxy/internal/embedding"
	"agentcloud/vector-proxy/internal/middleware"
	"agentcloud/vector-proxy/internal/queue"
	"agentcloud/vector-proxy/internal/worker"

	// Queue backends register themselves with the queue package.
	_ "agentcloud/vector-proxy/internal/queue/nsq"
	_ "agentcloud/vector-proxy/internal/queue/pubsub"
	_ "agentcloud/vector-proxy/internal/queue/rabbitmq"
)

// VectorStore is what the app needs from the vector database.
type VectorStore interface {
	worker.VectorStore
	Count(ctx context.Context, sourceID string) (int, error)
}

// Options overrides components New would otherwise build from config.
type Options struct {
	Embedder worker.EmbeddingModel
	Backend  queue.Backend
}

type App struct {
	Handler    http.Handler
	Dispatcher *worker.Dispatcher
	Backend    queue.Backend

	cfg    *config.Config
	logger *slog.Logger
}

func New(cfg *config.Config, db *sql.DB, vecStore VectorStore, logger *slog.Logger, opts *Options) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}

	repo := datasource.NewPostgresRepo(db)

	embedder := opts.Embedder
	if embedder == nil {
		reg, err := NewEmbeddingRegistry(context.Background(), cfg, logger)
		if err != nil {
			return nil, err
		}
		embedder = reg
	}

	dispatcher, err := worker.NewDispatcher(repo, embedder, vecStore, cfg.HashingSalt,
		worker.WithConcurrency(cfg.IngestionConcurrency),
		worker.WithTimeouts(cfg.EmbedTimeout(), cfg.InsertTimeout()),
		worker.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = queue.New(cfg.QueueProvider, cfg, logger)
		if err != nil {
			dispatcher.Close()
			return nil, err
		}
	}

	statsHandler := stats.NewHandler(repo, vecStore)

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.With(middleware.CorrelationID).Get("/datasources/{id}/stats", statsHandler.GetStats)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:    router,
		Dispatcher: dispatcher,
		Backend:    backend,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// NewEmbeddingRegistry wires every provider that has credentials configured.
func NewEmbeddingRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*embedding.Registry, error) {
	opts := []embedding.Option{embedding.WithLogger(logger)}

	if cfg.OpenAIAPIKey != "" {
		oa, err := openai.NewEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		if err != nil {
			return nil, fmt.Errorf("openai embedder: %w", err)
		}
		opts = append(opts, embedding.WithProvider(embedding.ProviderOpenAI, oa))
	}
	if cfg.GeminiAPIKey != "" {
		gm, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("gemini embedder: %w", err)
		}
		opts = append(opts, embedding.WithProvider(embedding.ProviderGemini, gm))
	}

	reg := embedding.NewRegistry(opts...)
	if len(reg.Configured()) == 0 {
		logger.Warn("no embedding provider configured, every record will count as a failure")
	}
	return reg, nil
}

// Run serves the admin API and feeds the queue into the dispatcher until ctx
// is cancelled or the queue connection drops. In-flight units are finished
// before Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.Dispatcher.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler: a.Handler,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("server starting", "port", a.cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
			cancel()
		}
	}()

	go func() {
		<-ctx.Done()
		a.logger.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			a.logger.Error("server shutdown failed", "error", err)
		}
	}()

	conn, err := queue.ConnectWithRetry(ctx, a.Backend, a.cfg.BootstrapRetryAttempts, a.cfg.RetryDelay())
	if err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("queue connect: %w", err)
	}
	defer conn.Close()

	in := make(chan worker.RawMessage, a.cfg.IntakeBuffer)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(in)
		if err := conn.Consume(ctx, in); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("queue consumer stopped", "error", err)
			errCh <- err
		}
	}()

	// The consumer closes in once ctx is done; the dispatcher keeps going
	// until then so nothing the broker already acked is left behind.
	err = a.Dispatcher.ProcessIncomingMessages(context.WithoutCancel(ctx), in)
	cancel()
	wg.Wait()

	select {
	case consumeErr := <-errCh:
		return consumeErr
	default:
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
