package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFixedWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < RuleMessage.Limit; i++ {
		ok, err := m.Allow(ctx, "user-1", RuleMessage)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, _ := m.Allow(ctx, "user-1", RuleMessage)
	assert.False(t, ok, "over the limit")

	ok, _ = m.Allow(ctx, "user-2", RuleMessage)
	assert.True(t, ok, "identifiers are independent")
	ok, _ = m.Allow(ctx, "user-1", RuleMatch)
	assert.True(t, ok, "rules are independent")

	now = now.Add(RuleMessage.Window)
	ok, _ = m.Allow(ctx, "user-1", RuleMessage)
	assert.True(t, ok, "new window")
}

func TestRedisLimiter(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	l := NewLimiter(rdb, nil)
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}
	id := uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, rule.Key+id) })

	remaining, err := l.Remaining(ctx, id, rule)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, id, rule)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, id, rule)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err = l.Remaining(ctx, id, rule)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	ttl := rdb.PTTL(ctx, rule.Key+id).Val()
	assert.Greater(t, ttl, time.Duration(0), "window has an expiry")
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })

	ok, err := NewLimiter(rdb, nil).Allow(context.Background(), "x", RuleConnect)
	assert.Error(t, err)
	assert.True(t, ok)
}
