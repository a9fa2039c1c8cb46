package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dontdude/receiptflow/internal/domain"
	"github.com/dontdude/receiptflow/internal/platform/metrics"
	"github.com/google/uuid"
)

// Stager is the write side of the staging area.
type Stager interface {
	Put(jobID, fileName string, data []byte) (string, error)
	Delete(path string) error
}

// Submission is one receipt to enqueue. Categories are resolved by the caller at submit time
// so the job does not depend on state that may change before a worker picks it up.
type Submission struct {
	MemberID   int64
	TeamID     int64
	FileName   string
	Data       []byte
	Categories []string
}

// Producer stages receipt bytes and appends job descriptors to the queue.
type Producer struct {
	staging Stager
	queue   domain.JobQueue
	logger  *slog.Logger
	now     func() time.Time
}

// NewProducer wires a producer. The queue's consumer group must already exist.
func NewProducer(staging Stager, queue domain.JobQueue, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{staging: staging, queue: queue, logger: logger, now: time.Now}
}

// NewJobID returns "<yyyyMMddHHmmssSSS>-<8 hex>", sortable by creation time.
func NewJobID(now time.Time) string {
	now = now.UTC()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%03d-%s", now.Format("20060102150405"), now.Nanosecond()/int(time.Millisecond), suffix)
}

// Publish stages the receipt and enqueues its descriptor, returning the job id.
func (p *Producer) Publish(ctx context.Context, sub Submission) (string, error) {
	now := p.now()
	jobID := NewJobID(now)

	path, err := p.staging.Put(jobID, sub.FileName, sub.Data)
	if err != nil {
		return "", fmt.Errorf("failed to stage receipt: %w", err)
	}

	job := domain.Job{
		ID:          jobID,
		StagingPath: path,
		MemberID:    sub.MemberID,
		TeamID:      sub.TeamID,
		FileName:    sub.FileName,
		Categories:  sub.Categories,
		CreatedAt:   now.UTC(),
	}
	if err := p.queue.Publish(ctx, job); err != nil {
		// Nothing will ever read the staged file.
		if derr := p.staging.Delete(path); derr != nil {
			p.logger.Error("Failed to remove orphaned staged file", "jobID", jobID, "error", derr)
		}
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	metrics.JobsPublished.Inc()
	p.logger.Info("Job enqueued", "jobID", jobID, "memberID", sub.MemberID, "teamID", sub.TeamID, "bytes", len(sub.Data))
	return jobID, nil
}
