package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"agentcloud/vector-proxy/internal/app"
	"agentcloud/vector-proxy/internal/config"
	"agentcloud/vector-proxy/internal/logger"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "vector-proxy",
		Usage: "Embed streamed records from a message queue into Weaviate",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: setupLogger,
		Action: runCommand,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Consume the configured queue and ingest records (default)",
				Action: runCommand,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: migrateCommand,
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	slog.SetDefault(logger.New(os.Stdout, c.String("log-level")))
	return nil
}

func runCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, slog.Default())
}

func migrateCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer db.Close()

	if err := app.WithRetry(c.Context, "db", cfg.BootstrapRetryAttempts, cfg.RetryDelay(), db.PingContext); err != nil {
		return fmt.Errorf("failed to ping db: %w", err)
	}
	return app.Migrate(db, cfg.MigrationPath)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	application, err := app.New(cfg, deps.DB, deps.VectorStore, logger, nil)
	if err != nil {
		return err
	}

	logger.Info("vector proxy starting", "queue", cfg.QueueProvider, "concurrency", cfg.IngestionConcurrency)
	return application.Run(ctx)
}
