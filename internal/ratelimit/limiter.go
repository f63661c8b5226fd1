// Package ratelimit provides fixed-window rate limiting for match requests,
// chat messages and gateway connections. The Redis limiter is shared by
// every process; the in-memory limiter serves the single-process dev mode.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:match:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 5 messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleMatch allows 10 match requests per minute per user.
	RuleMatch = Rule{Key: "rl:match:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 5 gateway connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}
)

// Allower is implemented by both limiters.
type Allower interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// incrLua increments the window counter and starts the window on the first
// hit, in one round trip so a counter never outlives its window.
var incrLua = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{client: client, logger: logger.Named("ratelimit")}
}

// Allow checks whether identifier is within rule and counts this request.
//
// On Redis errors it fails open (returns true together with the error) so
// that a Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := incrLua.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		l.logger.Warn("redis error, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}
	return count <= int64(rule.Limit), nil
}

// Remaining returns the number of requests identifier has left in the
// current window. Returns the full limit if the window has not started. On
// Redis errors it returns the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("redis error, failing open", zap.String("key", key), zap.Error(err))
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}

type window struct {
	count int
	reset time.Time
}

// Memory is a process-local fixed-window limiter.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
}

// NewMemory creates an empty in-memory limiter.
func NewMemory() *Memory {
	return &Memory{now: time.Now, windows: make(map[string]*window)}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Allow implements Allower. It never fails.
func (m *Memory) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &window{reset: now.Add(rule.Window)}
		m.windows[key] = w
	}
	w.count++

	// Opportunistic cleanup of expired windows keeps the map bounded by the
	// number of identifiers active within one window.
	if len(m.windows) > 1024 {
		for k, v := range m.windows {
			if !now.Before(v.reset) {
				delete(m.windows, k)
			}
		}
	}
	return w.count <= rule.Limit, nil
}
