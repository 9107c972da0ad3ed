// Command submissionapi starts the C8 HTTP surface: evaluation submission,
// polling, cancellation, and read-only operational endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/evalplane/evalplane/internal/adapter/blob/s3"
	"github.com/evalplane/evalplane/internal/adapter/cache/rediscache"
	"github.com/evalplane/evalplane/internal/adapter/eventbus/kafka"
	httpserver "github.com/evalplane/evalplane/internal/adapter/httpserver"
	"github.com/evalplane/evalplane/internal/adapter/observability"
	asynqadp "github.com/evalplane/evalplane/internal/adapter/queue/asynq"
	"github.com/evalplane/evalplane/internal/adapter/repo/postgres"
	"github.com/evalplane/evalplane/internal/app"
	"github.com/evalplane/evalplane/internal/config"
	"github.com/evalplane/evalplane/internal/service/ratelimiter"
	"github.com/evalplane/evalplane/internal/service/storage"
)

// poolAdapter adapts *pgxpool.Pool to postgres.Beginner for CleanupService.
type poolAdapter struct{ *pgxpool.Pool }
type txAdapter struct{ pgx.Tx }

func (p poolAdapter) Begin(ctx context.Context) (postgres.Tx, error) {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return txAdapter{tx}, nil
}

func (t txAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.Tx.QueryRow(ctx, sql, args...)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	evalRepo := postgres.NewEvaluationRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(poolAdapter{pool}, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()
	cache := rediscache.New(redisClient, 2*time.Second)

	blobs, err := s3.New(ctx, cfg.BlobBucket, cfg.BlobRegion, cfg.BlobEndpoint)
	if err != nil {
		slog.Warn("blob store unavailable, large output will be stored inline", slog.Any("error", err))
		blobs = nil
	}

	storageSvc := storage.New(evalRepo, eventRepo, cache, blobs)

	bus, err := kafka.New(ctx, cfg.KafkaBrokers, "evalplane-submissionapi-producer")
	if err != nil {
		slog.Error("event bus connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			slog.Error("failed to close event bus", slog.Any("error", err))
		}
	}()

	queue, err := asynqadp.New(cfg.RedisURL)
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("failed to close queue", slog.Any("error", err))
		}
	}()

	storageCheck := app.BuildReadinessChecks(pool)
	eventBusCheck := bus.Ping
	clusterCheck := func(context.Context) error { return nil }

	limiter := ratelimiter.NewRedisLuaLimiter(redisClient, pool, map[string]ratelimiter.BucketConfig{
		"submit": ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitPerMin),
	})
	if err := limiter.WarmFromPostgres(ctx); err != nil {
		slog.Warn("failed to warm rate limiter buckets from postgres", slog.Any("error", err))
	}

	srv := httpserver.NewServer(cfg, storageSvc, queue, storageCheck, eventBusCheck, clusterCheck)
	srv.PendingMarker = rediscache.NewPendingMarker(redisClient, 10*time.Second)
	handler := app.BuildRouter(cfg, srv, limiter)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
