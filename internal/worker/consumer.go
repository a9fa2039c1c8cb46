package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/receiptflow/internal/domain"
	"github.com/dontdude/receiptflow/internal/platform/metrics"
	"github.com/dontdude/receiptflow/internal/platform/queue"
)

// Staging is the read side of the staging area.
type Staging interface {
	Get(path string) ([]byte, error)
	Delete(path string) error
}

// Consumer processes receipt jobs one at a time across the whole cluster.
//
// Per record: an admission check on the processing flag, a claim, fetch, dispatch to the
// analysis service, staging cleanup, and acknowledgement. A job that reached the claim is
// acknowledged whether or not it succeeded; there are no queue-level retries.
// On success the flag is left to expire, which spaces out successive jobs. On failure it is
// cleared straight away so the next job can start.
type Consumer struct {
	queue    domain.JobQueue
	flag     domain.ProcessingFlag
	staging  Staging
	analyzer domain.Analyzer
	results  domain.ResultBus
	logger   *slog.Logger
}

// NewConsumer wires a consumer. results may be nil.
func NewConsumer(q domain.JobQueue, flag domain.ProcessingFlag, staging Staging, analyzer domain.Analyzer, results domain.ResultBus, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:    q,
		flag:     flag,
		staging:  staging,
		analyzer: analyzer,
		results:  results,
		logger:   logger,
	}
}

// Run blocks, feeding the queue's deliveries to Handle until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.queue.Listen(ctx, c.Handle)
}

// Handle processes one delivered record. It never panics.
func (c *Consumer) Handle(ctx context.Context, job domain.Job) {
	log := c.logger.With("jobID", job.ID, "msgID", job.RawID)
	claimed := false

	defer func() {
		if r := recover(); r != nil {
			c.fail(ctx, log, job, claimed, fmt.Errorf("panic while processing job: %v", r))
		}
	}()

	// 1. Admission check
	active, held, err := c.flag.Active(ctx)
	if err != nil {
		c.fail(ctx, log, job, false, fmt.Errorf("admission check: %w", err))
		return
	}
	if held {
		log.Debug("Another job is processing, leaving record pending", "activeJobID", active)
		metrics.AdmissionDeferred.Inc()
		return
	}

	// 2. Claim
	ok, err := c.flag.Claim(ctx, job.ID)
	if err != nil {
		c.fail(ctx, log, job, false, fmt.Errorf("claim processing flag: %w", err))
		return
	}
	if !ok {
		// Lost the race to another consumer process.
		log.Debug("Processing flag taken, leaving record pending")
		metrics.AdmissionDeferred.Inc()
		return
	}
	claimed = true
	log.Info("Processing job")

	// 3. Fetch
	data, err := c.staging.Get(job.StagingPath)
	if err != nil {
		c.fail(ctx, log, job, true, fmt.Errorf("read staged receipt: %w", err))
		return
	}

	// 4. Dispatch
	start := time.Now()
	txs, err := c.analyzer.Analyze(ctx, domain.AnalysisRequest{
		TaskID:     job.ID,
		FileName:   job.FileName,
		Data:       data,
		Categories: job.Categories,
	})
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.fail(ctx, log, job, true, fmt.Errorf("dispatch: %w", err))
		return
	}

	// 5. Cleanup
	c.removeStaged(log, job)

	if txs != nil && c.results != nil {
		if err := c.results.Broadcast(ctx, domain.AnalysisResult{TaskID: job.ID, Transactions: txs}); err != nil {
			log.Error("Failed to broadcast result", "error", err)
		}
	}

	// 6. Acknowledge. The flag stays set until its TTL runs out.
	c.ack(ctx, log, job)
	metrics.JobsProcessed.WithLabelValues("succeeded").Inc()
	log.Info("Job processed", "transactions", len(txs), "elapsed", time.Since(start))
}

// fail is the terminal path for every error after delivery.
func (c *Consumer) fail(ctx context.Context, log *slog.Logger, job domain.Job, claimed bool, err error) {
	if claimed {
		if cerr := c.flag.Clear(ctx, job.ID); cerr != nil {
			log.Error("Failed to clear processing flag", "error", cerr)
		}
	}

	if queue.IsNoGroup(err) {
		// Keep the staged file: the recreated group replays the stream from the start.
		log.Warn("Consumer group missing, recreating", "error", err)
		if gerr := c.queue.EnsureGroup(ctx); gerr != nil {
			log.Error("Failed to recreate consumer group", "error", gerr)
			return
		}
		metrics.GroupRecreated.Inc()
		return
	}

	log.Error("Job failed", "error", err, "memberID", job.MemberID, "teamID", job.TeamID)
	c.removeStaged(log, job)

	if derr := c.queue.DeadLetter(ctx, job, err); derr != nil {
		log.Error("Failed to dead-letter job", "error", derr)
	}
	c.ack(ctx, log, job)
	metrics.JobsProcessed.WithLabelValues("failed").Inc()
}

func (c *Consumer) removeStaged(log *slog.Logger, job domain.Job) {
	if job.StagingPath == "" {
		return
	}
	if err := c.staging.Delete(job.StagingPath); err != nil {
		log.Error("Failed to delete staged receipt", "path", job.StagingPath, "error", err)
	}
}

func (c *Consumer) ack(ctx context.Context, log *slog.Logger, job domain.Job) {
	if err := c.queue.Acknowledge(ctx, job); err != nil {
		// The record will be redelivered; a missing staged file makes that a quick failure.
		log.Error("Failed to acknowledge job", "error", err)
	}
}
