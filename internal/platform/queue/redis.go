package queue

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dontdude/receiptflow/internal/config"
	"github.com/dontdude/receiptflow/internal/domain"
	"github.com/dontdude/receiptflow/internal/platform/metrics"
	"github.com/redis/go-redis/v9"
)

const jobField = "job"

// Options configures a RedisQueue. Zero values fall back to defaults.
type Options struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
	ResultsChannel   string
	// PollInterval is the pause after re-delivering pending records.
	PollInterval time.Duration
	// Block bounds the wait for new records. Negative disables blocking.
	Block time.Duration
}

// OptionsFromConfig maps the queue section of the config.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		Stream:           cfg.Stream,
		Group:            cfg.Group,
		Consumer:         cfg.Consumer,
		DeadLetterStream: cfg.DeadLetterStream,
		ResultsChannel:   cfg.ResultsChannel,
		PollInterval:     cfg.PollInterval,
		Block:            cfg.Block,
	}
}

// RedisQueue implements domain.JobQueue and domain.ResultBus using Redis Streams and Pub/Sub.
type RedisQueue struct {
	client redis.UniversalClient
	opts   Options
	logger *slog.Logger
}

// Ensure RedisQueue satisfies the interfaces
var (
	_ domain.JobQueue  = (*RedisQueue)(nil)
	_ domain.ResultBus = (*RedisQueue)(nil)
)

// Connect opens a Redis client and pings it.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// NewRedisQueue returns a new Redis-backed queue adapter.
func NewRedisQueue(client redis.UniversalClient, opts Options, logger *slog.Logger) *RedisQueue {
	if opts.Stream == "" {
		opts.Stream = "receipt:jobs"
	}
	if opts.Group == "" {
		opts.Group = "receipt:workers"
	}
	if opts.ResultsChannel == "" {
		opts.ResultsChannel = "receipt:results"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Block == 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Consumer == "" {
		// Generate a unique consumer name (e.g: hostname)
		opts.Consumer, _ = os.Hostname()
		if opts.Consumer == "" {
			opts.Consumer = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisQueue{
		client: client,
		opts:   opts,
		logger: logger.With("stream", opts.Stream, "group", opts.Group),
	}
}

// Consumer returns the consumer name this queue reads as.
func (r *RedisQueue) Consumer() string {
	return r.opts.Consumer
}

// IsNoGroup reports whether err says the consumer group (or its stream) is gone.
func IsNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

// EnsureGroup creates the consumer group from the start of the stream.
// Acknowledged entries are trimmed, so a recreated group only replays unfinished records.
// MkStream guarantees the stream exists even if empty.
func (r *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.opts.Stream, r.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Publish enqueues a job to the Redis stream using XADD (Producer)
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// XADD appends to the stream.
	// We use "*" Id to let Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.opts.Stream,
		Values: map[string]interface{}{
			jobField: data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Listen polls the consumer group until ctx is cancelled, handing records to handler one at a time.
// The handler runs on a context that survives cancellation so an in-flight job finishes on shutdown.
func (r *RedisQueue) Listen(ctx context.Context, handler domain.JobHandler) error {
	r.logger.Info("Listening for jobs", "consumer", r.opts.Consumer)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.Poll(ctx, handler); err != nil {
			// Check if context canceled during blocking call
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("Redis read error", "error", err)
			sleep(ctx, time.Second) // Backoff
		}
	}
}

// Poll runs one delivery round.
// Records this consumer was already given but has not acknowledged come first; they are
// redelivered, then the round pauses for PollInterval. Only when none are pending does it
// read new records.
func (r *RedisQueue) Poll(ctx context.Context, handler domain.JobHandler) error {
	// 1. Redeliver our own pending entries ("0" = PEL history)
	pending, err := r.read(ctx, "0", 10, -1)
	if err != nil {
		return r.healGroup(ctx, err)
	}
	if len(pending) > 0 {
		r.deliver(ctx, pending, handler)
		sleep(ctx, r.opts.PollInterval)
		return nil
	}

	// 2. New entries (">" means never delivered to any consumer)
	fresh, err := r.read(ctx, ">", 1, r.opts.Block)
	if err != nil {
		return r.healGroup(ctx, err)
	}
	r.deliver(ctx, fresh, handler)
	return nil
}

func (r *RedisQueue) read(ctx context.Context, id string, count int64, block time.Duration) ([]redis.XMessage, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.opts.Group,
		Consumer: r.opts.Consumer,
		Streams:  []string{r.opts.Stream, id},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // Timeout, nothing to read
	}
	if err != nil {
		return nil, err
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (r *RedisQueue) deliver(ctx context.Context, msgs []redis.XMessage, handler domain.JobHandler) {
	hctx := context.WithoutCancel(ctx)
	for _, msg := range msgs {
		job, err := decodeJob(msg)
		if err != nil {
			// An undecodable entry would otherwise be redelivered forever.
			r.logger.Error("Invalid message format, acknowledging", "msgID", msg.ID, "error", err)
			metrics.JobsProcessed.WithLabelValues("malformed").Inc()
			if err := r.ack(hctx, msg.ID); err != nil {
				r.logger.Error("Failed to acknowledge malformed message", "msgID", msg.ID, "error", err)
			}
			continue
		}
		handler(hctx, job)
	}
}

func decodeJob(msg redis.XMessage) (domain.Job, error) {
	var job domain.Job
	val, ok := msg.Values[jobField].(string)
	if !ok {
		return job, fmt.Errorf("missing %q field", jobField)
	}
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return job, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	// Capture the Redis Stream ID so we can ACK later
	job.RawID = msg.ID
	return job, nil
}

// healGroup recreates a consumer group that disappeared out-of-band.
func (r *RedisQueue) healGroup(ctx context.Context, err error) error {
	if !IsNoGroup(err) {
		return err
	}
	r.logger.Warn("Consumer group missing, recreating", "error", err)
	if cerr := r.EnsureGroup(ctx); cerr != nil {
		return cerr
	}
	metrics.GroupRecreated.Inc()
	return nil
}

// Acknowledge confirms processing using XACK, then trims the acknowledged history.
func (r *RedisQueue) Acknowledge(ctx context.Context, job domain.Job) error {
	return r.ack(ctx, job.RawID)
}

func (r *RedisQueue) ack(ctx context.Context, id string) error {
	if err := r.client.XAck(ctx, r.opts.Stream, r.opts.Group, id).Err(); err != nil {
		return err
	}
	if err := r.trim(ctx, id); err != nil {
		r.logger.Warn("Failed to trim stream", "msgID", id, "error", err)
	}
	return nil
}

// trim drops every entry below both the oldest pending entry and acked.
// The group delivers in ID order, so everything under that bound was delivered and acknowledged.
// Entries acknowledged out of order above the bound go with a later ack.
// The stream head therefore tracks the first unfinished record, where a recreated group starts.
func (r *RedisQueue) trim(ctx context.Context, acked string) error {
	minID, err := nextID(acked)
	if err != nil {
		return err
	}

	pending, err := r.client.XPending(ctx, r.opts.Stream, r.opts.Group).Result()
	if err != nil {
		return err
	}
	if pending.Count > 0 && compareIDs(pending.Lower, minID) < 0 {
		minID = pending.Lower
	}

	return r.client.XTrimMinID(ctx, r.opts.Stream, minID).Err()
}

// nextID returns the smallest stream ID greater than id.
func nextID(id string) (string, error) {
	ms, seq, err := parseID(id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%d", ms, seq+1), nil
}

func compareIDs(a, b string) int {
	ams, aseq, _ := parseID(a)
	bms, bseq, _ := parseID(b)
	if c := cmp.Compare(ams, bms); c != 0 {
		return c
	}
	return cmp.Compare(aseq, bseq)
}

func parseID(id string) (uint64, uint64, error) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return ms, seq, nil
}

// DeadLetter copies a failed job to the dead-letter stream. It is a no-op when none is configured.
func (r *RedisQueue) DeadLetter(ctx context.Context, job domain.Job, reason error) error {
	if r.opts.DeadLetterStream == "" {
		return nil
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.opts.DeadLetterStream,
		Values: map[string]interface{}{
			jobField:    data,
			"source_id": job.RawID,
			"error":     msg,
			"failed_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
