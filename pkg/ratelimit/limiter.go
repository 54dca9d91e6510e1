// Package ratelimit throttles login attempts per client IP.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one attempt against the limiter.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts attempts in a fixed window. Keys are client IPs.
type Limiter interface {
	Allow(ip string) Decision
}

type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(limit int, window time.Duration) *InMemoryLimiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		limit:  limit,
		items:  make(map[string]entry),
	}
}

func (l *InMemoryLimiter) Allow(ip string) Decision {
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[ip]
	if !ok || now.After(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[ip] = curr
	remaining := l.limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= l.limit,
		Count:     curr.count,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
