package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// StartRecoveryRoutine polls the PEL for entries stuck on other (crashed) consumers and
// claims them for this consumer, whose next Poll redelivers them. It never acknowledges.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval, minIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Starting Redis Recovery Routine", "interval", interval, "minIdle", minIdle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ClaimStale(ctx, minIdle)
			if err != nil {
				if err := r.healGroup(ctx, err); err != nil && ctx.Err() == nil {
					r.logger.Error("Recovery routine failed", "error", err)
				}
				continue
			}
			if n > 0 {
				r.logger.Info("Recovered stale jobs", "count", n)
			}
		}
	}
}

// ClaimStale moves entries idle for longer than minIdle to this consumer.
func (r *RedisQueue) ClaimStale(ctx context.Context, minIdle time.Duration) (int, error) {
	start := "-" // Start from beginning of the PEL
	claimed := 0

	for {
		// XAUTOCLAIM: Finds messages pending for > minIdle
		// and claims them to this consumer, in batches of 10.
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.opts.Stream,
			Group:    r.opts.Group,
			MinIdle:  minIdle,
			Start:    start,
			Count:    10,
			Consumer: r.opts.Consumer,
		}).Result()
		if err != nil {
			return claimed, err
		}

		for _, msg := range messages {
			r.logger.Warn("Stale job claimed", "msgID", msg.ID, "consumer", r.opts.Consumer)
		}
		claimed += len(messages)

		if next == "0-0" || next == "" || len(messages) == 0 {
			return claimed, nil
		}
		start = next
	}
}
