package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kokoro/internal/catalog"
	"github.com/ashita-ai/kokoro/internal/config"
	"github.com/ashita-ai/kokoro/internal/mcp"
	"github.com/ashita-ai/kokoro/internal/ratelimit"
	"github.com/ashita-ai/kokoro/internal/server"
	"github.com/ashita-ai/kokoro/internal/service/turns"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/telemetry"
	"github.com/ashita-ai/kokoro/migrations"
)

func newServeCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("kokoro starting", "version", version, "addr", cfg.HTTPAddr, "store", cfg.Store)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Store:       cfg.Store,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	for _, problem := range cat.Lint() {
		logger.Warn("catalog: entry disabled", "error", problem)
	}

	store, redisClient, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	pacing := newPacingLimiter(cfg, redisClient, logger)
	defer func() { _ = pacing.Close() }()

	svc, err := turns.New(store, cat, pacing, turns.Config{
		HistoryWindow: cfg.HistoryWindow,
		MinRelevance:  cfg.MinRelevance,
		InFlightTTL:   cfg.InFlightTTL,
		BatchLimit:    cfg.BatchLimit,
	}, logger)
	if err != nil {
		return fmt.Errorf("turns: %w", err)
	}

	var httpLimiter ratelimit.Limiter
	if cfg.HTTPRateBurst > 0 {
		ml := ratelimit.NewMemoryLimiter(cfg.HTTPRateInterval, cfg.HTTPRateBurst)
		defer func() { _ = ml.Close() }()
		httpLimiter = ml
		logger.Info("rate limiting: memory (in-process token bucket)",
			"interval", cfg.HTTPRateInterval, "burst", cfg.HTTPRateBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(svc, logger, version)
	srv := server.New(server.ServerConfig{
		Service:             svc,
		Store:               store,
		StoreName:           cfg.Store,
		Logger:              logger,
		Limiter:             httpLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		Addr:                cfg.HTTPAddr,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("kokoro shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("kokoro stopped")
	return nil
}

// openStore connects the configured backend and applies migrations. The
// Redis client is returned so the pacing limiter can share it; it is nil
// for other backends.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, *redis.Client, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pg, err := storage.NewPostgres(ctx, cfg.PostgresDSN, int32(cfg.PostgresMaxConns), logger) //nolint:gosec // validated positive in config.Validate
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := pg.RunMigrations(ctx, migrations.Postgres()); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("storage: migrations: %w", err)
		}
		return pg, nil, nil

	case config.StoreSQLite:
		lite, err := storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := lite.RunMigrations(ctx, migrations.SQLite()); err != nil {
			_ = lite.Close()
			return nil, nil, fmt.Errorf("storage: migrations: %w", err)
		}
		return lite, nil, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rs := storage.NewRedisStore(client, cfg.RedisTTL, logger)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("storage: redis: %w", err)
		}
		return rs, client, nil

	default:
		logger.Warn("storage: in-memory store, conversations are lost on restart")
		return storage.NewMemoryStore(), nil, nil
	}
}

// newPacingLimiter builds the new-module pacing limiter. With a Redis store
// the limiter lives in the same Redis so every instance paces together.
func newPacingLimiter(cfg config.Config, client *redis.Client, logger *slog.Logger) ratelimit.Limiter {
	if !cfg.PacingEnabled() {
		logger.Info("module pacing: disabled")
		return ratelimit.NoopLimiter{}
	}
	if client != nil {
		logger.Info("module pacing: redis", "interval", cfg.PacingInterval, "burst", cfg.PacingBurst)
		return ratelimit.NewRedisLimiter(client, "kokoro:pace:", cfg.PacingBurst, cfg.PacingInterval*time.Duration(cfg.PacingBurst))
	}
	logger.Info("module pacing: memory", "interval", cfg.PacingInterval, "burst", cfg.PacingBurst)
	return ratelimit.NewMemoryLimiter(cfg.PacingInterval, cfg.PacingBurst)
}
