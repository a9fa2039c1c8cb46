package lock

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/dontdude/receiptflow/internal/platform/metrics"
)

// ErrAlreadyInProgress means another caller holds the key, or the store could not be reached.
var ErrAlreadyInProgress = errors.New("request already in progress")

// Guard runs units of work under a single-flight lock.
type Guard struct {
	store  Store
	logger *slog.Logger
}

// NewGuard wraps store.
func NewGuard(store Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, logger: logger}
}

// Do runs work while holding key. It fails fast with ErrAlreadyInProgress when the key is held.
func (g *Guard) Do(ctx context.Context, key string, work func(ctx context.Context) error) error {
	_, err := Run(ctx, g, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	})
	return err
}

// Run is Do for work that returns a value.
// The lock is released on every exit path, including panics, which are re-raised.
// Errors from work are returned untouched.
func Run[T any](ctx context.Context, g *Guard, key string, work func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if !g.store.Acquire(ctx, key) {
		metrics.LockContention.WithLabelValues(namespace(key)).Inc()
		g.logger.Warn("Rejected concurrent request", "key", key)
		return zero, ErrAlreadyInProgress
	}

	defer func() {
		// Release must still reach the store when the request context is already cancelled.
		if !g.store.Release(context.WithoutCancel(ctx), key) {
			g.logger.Warn("Lock not released, waiting for TTL", "key", key)
		}
	}()

	return work(ctx)
}

// namespace keeps metric cardinality bounded: "receipt:upload:7:personal:ab12" -> "receipt:upload".
func namespace(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return key
	}
	return parts[0] + ":" + parts[1]
}
