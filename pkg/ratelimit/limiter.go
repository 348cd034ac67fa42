// Package ratelimit counts inbox deliveries per remote instance in fixed
// windows. Counts are a classification signal; nothing here rejects a
// request on its own.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
	sweep  time.Time
	now    func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.After(l.sweep) {
		l.cleanup(now)
		l.sweep = now.Add(l.window)
	}
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// BurstDetector flags instances delivering more than Limit activities per
// window.
type BurstDetector struct {
	limiter Limiter
	limit   int
}

// NewBurstDetector returns nil when limit is not positive; a nil detector
// never reports a burst.
func NewBurstDetector(l Limiter, limit int) *BurstDetector {
	if l == nil || limit <= 0 {
		return nil
	}
	return &BurstDetector{limiter: l, limit: limit}
}

// Observe records one delivery from host and reports whether the instance is
// over its limit for the current window.
func (b *BurstDetector) Observe(ctx context.Context, host string) bool {
	if b == nil || host == "" {
		return false
	}
	return !b.limiter.Allow(ctx, "inbox:"+host, b.limit).Allowed
}
