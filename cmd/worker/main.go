// Command worker runs the C7 evaluation task worker: it dequeues evaluation
// runs from the C4 task queue (up to CONSUMER_MAX_CONCURRENCY at once), drives
// each through the C6 dispatcher (Kubernetes Jobs, or the Docker dev fallback), and
// publishes the resulting lifecycle events onto the C3 event bus.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evalplane/evalplane/internal/adapter/eventbus/kafka"
	"github.com/evalplane/evalplane/internal/adapter/observability"
	asynqadp "github.com/evalplane/evalplane/internal/adapter/queue/asynq"
	"github.com/evalplane/evalplane/internal/config"
	"github.com/evalplane/evalplane/internal/service/dispatch"
	"github.com/evalplane/evalplane/internal/service/evalworker"
)

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
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
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

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()

	dispatcher, err := dispatch.New(cfg)
	if err != nil {
		slog.Error("dispatcher init failed", slog.Any("error", err))
		os.Exit(1)
	}

	bus, err := kafka.New(ctx, cfg.KafkaBrokers, "evalplane-worker-producer")
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

	worker := evalworker.New(dispatcher, bus, queue, 10*time.Second)

	srvAsynq, mux, err := asynqadp.NewServer(cfg.RedisURL, cfg.ConsumerMaxConcurrency, worker.HandleTask)
	if err != nil {
		slog.Error("asynq server init failed", slog.Any("error", err))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("asynq server starting", slog.Int("concurrency", cfg.ConsumerMaxConcurrency))
		errCh <- srvAsynq.Run(mux)
	}()

	sweeper, err := asynqadp.NewDLQSweeper(cfg.RedisURL, bus, cfg.DLQCleanupInterval)
	if err != nil {
		slog.Error("dlq sweeper init failed", slog.Any("error", err))
	} else {
		go sweeper.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			slog.Error("asynq server error", slog.Any("error", err))
		}
	}

	srvAsynq.Shutdown()
	slog.Info("worker stopped")
}
