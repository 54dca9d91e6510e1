package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var attemptScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares the attempt window across portal replicas. Any
// Redis failure falls back to the in-process limiter so logins stay
// throttled, never open.
type RedisLimiter struct {
	Client   *redis.Client
	Limit    int
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Limit:    limit,
		Window:   window,
		Prefix:   "login:",
		Fallback: NewInMemory(limit, window),
	}
}

func (l *RedisLimiter) Allow(ip string) Decision {
	if l.Client == nil {
		return l.fallback(ip)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := attemptScript.Run(ctx, l.Client, []string{l.Prefix + ip}, l.Window.Milliseconds()).Result()
	if err != nil {
		return l.fallback(ip)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(ip)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	remaining := l.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= l.Limit,
		Count:     int(count),
		Limit:     l.Limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}
}

func (l *RedisLimiter) fallback(ip string) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ip)
	}
	return Decision{Allowed: true, Limit: l.Limit, Remaining: l.Limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
