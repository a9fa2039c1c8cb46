package web

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(t.Context(), 0.001, 2)

	assert.True(t, rl.Allow("member:1"))
	assert.True(t, rl.Allow("member:1"))
	assert.False(t, rl.Allow("member:1"))
	assert.True(t, rl.Allow("member:2"))
}

func TestRateLimiter_EvictsIdle(t *testing.T) {
	rl := NewRateLimiter(t.Context(), 1, 1)
	rl.Allow("member:1")

	rl.evict(time.Now().Add(time.Second))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.visitors)
}

func TestLimitKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "ip:10.0.0.1", limitKey(r))

	r.Header.Set(MemberHeader, "7")
	assert.Equal(t, "member:7", limitKey(r))
}
