package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dontdude/receiptflow/internal/domain"
)

// Broadcast publishes an analysis result on the results channel.
func (r *RedisQueue) Broadcast(ctx context.Context, result domain.AnalysisResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return r.client.Publish(ctx, r.opts.ResultsChannel, data).Err()
}

// SubscribeResults subscribes to the results channel and streams results to a Go channel.
func (r *RedisQueue) SubscribeResults(ctx context.Context) (<-chan domain.AnalysisResult, error) {
	// Create the PubSub connection
	pubsub := r.client.Subscribe(ctx, r.opts.ResultsChannel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	outCh := make(chan domain.AnalysisResult)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var result domain.AnalysisResult
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					r.logger.Error("Failed to unmarshal result", "error", err)
					continue
				}

				select {
				case outCh <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
