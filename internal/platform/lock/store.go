package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder can block others.
const DefaultTTL = 10 * time.Second

// Store is the narrow cache contract the guard needs.
// Implementations must never panic or return errors: infrastructure failures read as false.
type Store interface {
	// Acquire creates key with the store's TTL only if it is absent.
	Acquire(ctx context.Context, key string) bool

	// Release deletes key unconditionally.
	Release(ctx context.Context, key string) bool
}

// RedisStore implements Store on SET NX PX / DEL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// Ensure RedisStore satisfies the interface
var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a lock store whose keys expire after ttl.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

// Acquire reports whether the key was created by this call.
func (s *RedisStore) Acquire(ctx context.Context, key string) bool {
	ok, err := s.client.SetNX(ctx, key, "locked", s.ttl).Result()
	if err != nil {
		s.logger.Error("Lock acquire failed", "key", key, "error", err)
		return false
	}
	return ok
}

// Release reports whether the delete reached the store.
// Deleting a key that already expired still counts as success.
func (s *RedisStore) Release(ctx context.Context, key string) bool {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Error("Lock release failed", "key", key, "error", err)
		return false
	}
	return true
}
