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
	"github.com/dontdude/receiptflow/internal/platform/lock"
	"github.com/dontdude/receiptflow/internal/platform/logging"
	"github.com/dontdude/receiptflow/internal/platform/queue"
	"github.com/dontdude/receiptflow/internal/platform/staging"
	"github.com/dontdude/receiptflow/internal/platform/store"
	"github.com/dontdude/receiptflow/internal/platform/web"
	"github.com/dontdude/receiptflow/internal/service"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Redis: locks, stream and result bus
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

	// 3. Staging and store
	files, err := staging.NewFileStore(cfg.Staging.Dir)
	if err != nil {
		logger.Error("Failed to prepare staging directory", "error", err)
		os.Exit(1)
	}

	db, err := store.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// 4. Services
	guard := lock.NewGuard(lock.NewRedisStore(client, cfg.Lock.TTL, logger), logger)
	producer := service.NewProducer(files, redisQ, logger)
	receipts := service.NewReceiptService(guard, producer, db, redisQ, logger)
	teams := service.NewTeamService(guard, db, logger)

	// 5. Result broadcaster
	hub := web.NewHub(logger)
	results, err := redisQ.SubscribeResults(ctx)
	if err != nil {
		logger.Error("Failed to subscribe to results", "error", err)
		os.Exit(1)
	}
	go hub.Forward(ctx, results)

	// 6. HTTP server
	handler := web.NewRouter(&web.Handlers{
		Receipts:       receipts,
		Teams:          teams,
		Hub:            hub,
		Limiter:        web.NewRateLimiter(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		CallbackSecret: cfg.Callback.Secret,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Health: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		Logger: logger,
	})
	if cfg.Callback.Secret == "" {
		logger.Warn("callback.secret is empty, analysis callbacks will be rejected")
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("API server starting", "addr", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("API server stopped")
}
