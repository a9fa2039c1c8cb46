package queue

import (
	"context"
	"errors"
	"time"

	"github.com/dontdude/receiptflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

// clearScript deletes KEYS[1] only while it still holds ARGV[1].
var clearScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DefaultProcessingTTL bounds how long a stuck analysis call can hold the flag.
const DefaultProcessingTTL = time.Minute

// RedisFlag is the global processing flag: a single key whose value is the active job id.
type RedisFlag struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

var _ domain.ProcessingFlag = (*RedisFlag)(nil)

// NewRedisFlag stores the flag under key with the given TTL.
func NewRedisFlag(client redis.UniversalClient, key string, ttl time.Duration) *RedisFlag {
	if ttl <= 0 {
		ttl = DefaultProcessingTTL
	}
	return &RedisFlag{client: client, key: key, ttl: ttl}
}

// Active returns the job id holding the flag.
func (f *RedisFlag) Active(ctx context.Context) (string, bool, error) {
	jobID, err := f.client.Get(ctx, f.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return jobID, true, nil
}

// Claim sets the flag to jobID unless another job holds it.
func (f *RedisFlag) Claim(ctx context.Context, jobID string) (bool, error) {
	return f.client.SetNX(ctx, f.key, jobID, f.ttl).Result()
}

// Clear drops the flag when jobID is the holder.
func (f *RedisFlag) Clear(ctx context.Context, jobID string) error {
	return clearScript.Run(ctx, f.client, []string{f.key}, jobID).Err()
}
