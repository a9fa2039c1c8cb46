package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dontdude/receiptflow/internal/config"
	"github.com/dontdude/receiptflow/internal/platform/logging"
	"github.com/dontdude/receiptflow/internal/platform/queue"
	"github.com/dontdude/receiptflow/internal/platform/staging"
	"github.com/dontdude/receiptflow/internal/service"
	"github.com/spf13/pflag"
)

// producer stages a local receipt and enqueues it, bypassing the HTTP API.
func main() {
	var (
		configPath = pflag.String("config", "", "path to a YAML config file")
		file       = pflag.String("file", "", "receipt image to enqueue")
		member     = pflag.Int64("member", 0, "submitting member id")
		team       = pflag.Int64("team", 0, "team id, 0 for the personal ledger")
		categories = pflag.StringArray("category", nil, "category label offered to the analyser (repeatable)")
	)
	pflag.Parse()

	if err := run(*configPath, *file, *member, *team, *categories); err != nil {
		slog.Error("Failed to publish receipt", "error", err)
		os.Exit(1)
	}
}

func run(configPath, file string, member, team int64, categories []string) error {
	if file == "" || member <= 0 {
		return fmt.Errorf("--file and --member are required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}

	ctx := context.Background()
	client, err := queue.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()

	redisQ := queue.NewRedisQueue(client, queue.OptionsFromConfig(cfg.Queue), logger)
	if err := redisQ.EnsureGroup(ctx); err != nil {
		return err
	}

	files, err := staging.NewFileStore(cfg.Staging.Dir)
	if err != nil {
		return err
	}

	jobID, err := service.NewProducer(files, redisQ, logger).Publish(ctx, service.Submission{
		MemberID:   member,
		TeamID:     team,
		FileName:   filepath.Base(file),
		Data:       data,
		Categories: categories,
	})
	if err != nil {
		return err
	}

	logger.Info("Receipt enqueued", "jobID", jobID, "stream", cfg.Queue.Stream)
	fmt.Println(jobID)
	return nil
}
