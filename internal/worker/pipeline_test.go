package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dontdude/receiptflow/internal/config"
	"github.com/dontdude/receiptflow/internal/platform/analyzer"
	"github.com/dontdude/receiptflow/internal/platform/lock"
	"github.com/dontdude/receiptflow/internal/platform/queue"
	"github.com/dontdude/receiptflow/internal/platform/staging"
	"github.com/dontdude/receiptflow/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeline struct {
	mr         *miniredis.Miniredis
	client     *redis.Client
	stagingDir string
	queue      *queue.RedisQueue
	producer   *service.Producer
	consumer   *Consumer
	calls      *atomic.Int32
	flag       *queue.RedisFlag
	// onDispatch runs inside the analysis service before it responds.
	onDispatch func()
}

func newPipeline(t *testing.T, status int) *pipeline {
	t.Helper()
	p := &pipeline{calls: &atomic.Int32{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.calls.Add(1)
		if p.onDispatch != nil {
			p.onDispatch()
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.NewRedisQueue(client, queue.Options{
		Stream:       "receipt:jobs",
		Group:        "receipt:workers",
		Consumer:     "worker-1",
		PollInterval: 10 * time.Millisecond,
		Block:        -1,
	}, nil)
	require.NoError(t, q.EnsureGroup(context.Background()))

	st, err := staging.NewFileStore(t.TempDir())
	require.NoError(t, err)

	flag := queue.NewRedisFlag(client, lock.ProcessingFlagKey, time.Minute)
	dispatch := analyzer.NewClient(config.AnalyzerConfig{BaseURL: srv.URL, Timeout: time.Second})

	p.mr = mr
	p.client = client
	p.stagingDir = st.Root()
	p.queue = q
	p.flag = flag
	p.producer = service.NewProducer(st, q, nil)
	p.consumer = NewConsumer(q, flag, st, dispatch, q, nil)
	return p
}

func (p *pipeline) pending(t *testing.T) int64 {
	t.Helper()
	res, err := p.client.XPending(context.Background(), "receipt:jobs", "receipt:workers").Result()
	require.NoError(t, err)
	return res.Count
}

func (p *pipeline) publish(t *testing.T, data string) string {
	t.Helper()
	id, err := p.producer.Publish(context.Background(), service.Submission{
		MemberID: 7, FileName: "r.jpg", Data: []byte(data), Categories: []string{"food"},
	})
	require.NoError(t, err)
	return id
}

func TestPipeline_HappyPath(t *testing.T) {
	p := newPipeline(t, http.StatusAccepted)
	ctx := context.Background()
	id := p.publish(t, "img")

	require.NoError(t, p.queue.Poll(ctx, p.consumer.Handle))

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, int64(0), p.pending(t))
	holder, err := p.mr.Get(lock.ProcessingFlagKey)
	require.NoError(t, err)
	assert.Equal(t, id, holder, "flag holds the finished job until the TTL")
	assert.Equal(t, time.Minute, p.mr.TTL(lock.ProcessingFlagKey))
}

func TestPipeline_BackpressureThenRedelivery(t *testing.T) {
	p := newPipeline(t, http.StatusAccepted)
	ctx := context.Background()
	p.publish(t, "first")
	p.publish(t, "second")

	require.NoError(t, p.queue.Poll(ctx, p.consumer.Handle))
	require.Equal(t, int32(1), p.calls.Load())

	// The flag from the first job gates the second.
	require.NoError(t, p.queue.Poll(ctx, p.consumer.Handle))
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, int64(1), p.pending(t), "gated record stays pending")

	require.NoError(t, p.queue.Poll(ctx, p.consumer.Handle))
	assert.Equal(t, int32(1), p.calls.Load(), "still gated on redelivery")
	assert.Equal(t, int64(1), p.pending(t))

	p.mr.FastForward(time.Minute + time.Second)
	require.NoError(t, p.queue.Poll(ctx, p.consumer.Handle))
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Equal(t, int64(0), p.pending(t))
}

func TestPipeline_FailureAcksAndCleansUp(t *testing.T) {
	p := newPipeline(t, http.StatusInternalServerError)
	ctx := context.Background()
	p.publish(t, "img")

	require.NoError(t, p.queue.Poll(ctx, p.consumer.Handle))

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, int64(0), p.pending(t))
	assert.False(t, p.mr.Exists(lock.ProcessingFlagKey), "failure clears the flag immediately")

	entries, err := os.ReadDir(p.stagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPipeline_FailureKeepsSuccessorsFlag(t *testing.T) {
	p := newPipeline(t, http.StatusInternalServerError)
	ctx := context.Background()
	p.publish(t, "slow")

	// The call outlives the flag TTL and another worker admits its own job meanwhile.
	p.onDispatch = func() {
		p.mr.FastForward(time.Minute + time.Second)
		ok, err := p.flag.Claim(ctx, "job-B")
		assert.NoError(t, err)
		assert.True(t, ok)
	}

	require.NoError(t, p.queue.Poll(ctx, p.consumer.Handle))

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, int64(0), p.pending(t), "failed job is still acknowledged")
	holder, held, err := p.flag.Active(ctx)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "job-B", holder)
}

func TestPipeline_SelfHealDoesNotReplayFinishedJobs(t *testing.T) {
	p := newPipeline(t, http.StatusAccepted)
	ctx := context.Background()

	for _, data := range []string{"one", "two", "three"} {
		p.publish(t, data)
		require.NoError(t, p.queue.Poll(ctx, p.consumer.Handle))
		p.mr.FastForward(time.Minute + time.Second)
	}
	require.Equal(t, int32(3), p.calls.Load())

	require.NoError(t, p.client.XGroupDestroy(ctx, "receipt:jobs", "receipt:workers").Err())
	require.NoError(t, p.queue.Poll(ctx, p.consumer.Handle))
	require.NoError(t, p.queue.Poll(ctx, p.consumer.Handle))

	assert.Equal(t, int32(3), p.calls.Load())
	assert.Equal(t, int64(0), p.client.XLen(ctx, "receipt:jobs").Val())
}
