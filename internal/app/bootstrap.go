package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	wstore "agentcloud/vector-proxy/internal/adapter/weaviate"
	"agentcloud/vector-proxy/internal/config"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
)

var ErrNotReady = errors.New("dependency not ready")

type Dependencies struct {
	DB          *sql.DB
	Weaviate    *weaviate.Client
	VectorStore *wstore.Store
}

func (d *Dependencies) Close() error {
	return d.DB.Close()
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := cfg.RetryDelay()
	if err := WithRetry(ctx, "db", cfg.BootstrapRetryAttempts, retryDelay, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if err := Migrate(db, cfg.MigrationPath); err != nil {
		_ = db.Close()
		return nil, err
	}

	wClient, err := NewWeaviateClient(cfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("weaviate client error: %w", err)
	}

	err = WithRetry(ctx, "weaviate", cfg.BootstrapRetryAttempts, retryDelay, func(ctx context.Context) error {
		ready, err := wClient.Misc().ReadyChecker().Do(ctx)
		if err != nil {
			return err
		}
		if !ready {
			return ErrNotReady
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("weaviate not ready: %w", err)
	}

	if cfg.QueueProvider == config.ProviderNSQ && cfg.NSQDHTTP != "" {
		createTopic(cfg.NSQDHTTP, cfg.NSQTopic)
	}

	return &Dependencies{
		DB:          db,
		Weaviate:    wClient,
		VectorStore: wstore.NewStore(wClient),
	}, nil
}

// Migrate applies every pending migration found at path.
func Migrate(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied successfully")
	return nil
}

func NewWeaviateClient(cfg *config.Config) (*weaviate.Client, error) {
	wCfg := weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme}
	if cfg.WeaviateAPIKey != "" {
		wCfg.AuthConfig = auth.ApiKey{Value: cfg.WeaviateAPIKey}
	}
	return weaviate.NewClient(wCfg)
}

// createTopic registers the topic with nsqd so consumers using lookupd do
// not fail before the first publish.
func createTopic(nsqdHTTP, topic string) {
	u := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, url.QueryEscape(topic))
	go func() {
		resp, err := http.Post(u, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}()
}

// WithRetry calls fn up to attempts times, sleeping delay between failures.
func WithRetry(ctx context.Context, name string, attempts int, delay time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		slog.WarnContext(ctx, "dependency not ready, retrying...", "dependency", name, "attempt", i+1, "max_attempts", attempts, "error", err)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return err
}
