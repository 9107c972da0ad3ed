// Command projector runs the C5 storage-projection worker: it subscribes to
// every evaluation:* topic and is the sole writer of Evaluation.status,
// applying internal/statemachine to each event and persisting the result
// with a check-and-set update.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/evalplane/evalplane/internal/adapter/blob/s3"
	"github.com/evalplane/evalplane/internal/adapter/cache/rediscache"
	"github.com/evalplane/evalplane/internal/adapter/eventbus/kafka"
	"github.com/evalplane/evalplane/internal/adapter/observability"
	"github.com/evalplane/evalplane/internal/adapter/repo/postgres"
	"github.com/evalplane/evalplane/internal/app"
	"github.com/evalplane/evalplane/internal/config"
	"github.com/evalplane/evalplane/internal/service/projector"
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
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9091", mux); err != nil {
			slog.Error("projector metrics server error", slog.Any("error", err))
		}
	}()

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

	bus, err := kafka.New(ctx, cfg.KafkaBrokers, "evalplane-projector-producer")
	if err != nil {
		slog.Error("event bus connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			slog.Error("failed to close event bus", slog.Any("error", err))
		}
	}()

	// Safety net: marks evaluations stuck past timeout_seconds with no
	// terminal event as timed out, independent of the normal event flow.
	sweeper := app.NewStuckEvaluationSweeper(storageSvc, 30*time.Second, time.Minute)
	go sweeper.Run(ctx)

	proj := projector.New(storageSvc, bus)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("projector subscribing to evaluation topics")
		errCh <- proj.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("projector error", slog.Any("error", err))
		}
	}

	slog.Info("projector stopped")
}
