package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/receiptflow/internal/config"
	"github.com/dontdude/receiptflow/internal/platform/analyzer"
	"github.com/dontdude/receiptflow/internal/platform/lock"
	"github.com/dontdude/receiptflow/internal/platform/logging"
	"github.com/dontdude/receiptflow/internal/platform/metrics"
	"github.com/dontdude/receiptflow/internal/platform/queue"
	"github.com/dontdude/receiptflow/internal/platform/staging"
	"github.com/dontdude/receiptflow/internal/worker"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	pflag.Parse()

	// 1. Configuration and logger
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log)
	logger.Info("Starting receiptflow worker...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Redis stream, consumer group and processing flag
	client, err := queue.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	redisQ := queue.NewRedisQueue(client, queue.OptionsFromConfig(cfg.Queue), logger)
	if err := redisQ.EnsureGroup(ctx); err != nil {
		logger.Error("Failed to create consumer group", "error", err)
		os.Exit(1)
	}
	flag := queue.NewRedisFlag(client, lock.ProcessingFlagKey, cfg.Lock.ProcessingTTL)

	files, err := staging.NewFileStore(cfg.Staging.Dir)
	if err != nil {
		logger.Error("Failed to prepare staging directory", "error", err)
		os.Exit(1)
	}

	// 3. Recovery routine for entries stranded on dead consumers
	go redisQ.StartRecoveryRoutine(ctx, cfg.Queue.ClaimInterval, cfg.Queue.ClaimMinIdle)

	// 4. Metrics endpoint
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	// 5. Consume until shutdown. The job in flight is allowed to finish.
	consumer := worker.NewConsumer(redisQ, flag, files, analyzer.NewClient(cfg.Analyzer), redisQ, logger)
	logger.Info("Worker listening", "stream", cfg.Queue.Stream, "group", cfg.Queue.Group, "consumer", redisQ.Consumer())
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}
