package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiterWindow(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	key := "inbox:remote.example"

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	now = now.Add(time.Minute)
	reset := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestInMemoryLimiterDefaults(t *testing.T) {
	limiter := NewInMemory(0)
	if limiter.window != time.Minute {
		t.Fatalf("expected default 1 minute window, got %v", limiter.window)
	}
	if d := limiter.Allow(context.Background(), "k", 0); !d.Allowed || d.Limit != 1 {
		t.Fatalf("expected limit floor of 1, got %+v", d)
	}
}

func TestInMemoryLimiterSweepsExpiredKeys(t *testing.T) {
	limiter := NewInMemory(time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	for _, host := range []string{"a", "b", "c"} {
		limiter.Allow(ctx, host, 5)
	}
	now = now.Add(2 * time.Second)
	limiter.Allow(ctx, "d", 5)
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.items) != 1 {
		t.Fatalf("expected expired keys to be swept, have %d", len(limiter.items))
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := NewRedis(client, time.Second)
	ctx := context.Background()
	key := "inbox:remote.example"

	if d := limiter.Allow(ctx, key, 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("unexpected first decision: %+v", d)
	}
	if d := limiter.Allow(ctx, key, 1); d.Allowed || d.Count != 2 {
		t.Fatalf("expected second call to exceed limit: %+v", d)
	}
	if !mr.Exists("apwall:burst:" + key) {
		t.Fatal("expected prefixed counter key")
	}
	mr.FastForward(2 * time.Second)
	if d := limiter.Allow(ctx, key, 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected reset after window: %+v", d)
	}
}

func TestRedisLimiterFallbacks(t *testing.T) {
	ctx := context.Background()
	t.Run("nil_client_without_fallback_allows", func(t *testing.T) {
		lim := &RedisLimiter{Window: time.Second}
		if d := lim.Allow(ctx, "k", 2); !d.Allowed || d.Count != 0 || d.Remaining != 2 {
			t.Fatalf("expected permissive decision, got %+v", d)
		}
	})
	t.Run("redis_down_uses_memory", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 5 * time.Millisecond,
			MaxRetries:  -1,
		})
		defer client.Close()
		lim := NewRedis(client, time.Second)
		if d := lim.Allow(ctx, "k", 1); !d.Allowed || d.Count != 1 {
			t.Fatalf("expected in-memory first decision, got %+v", d)
		}
		if d := lim.Allow(ctx, "k", 1); d.Allowed {
			t.Fatalf("expected in-memory enforcement, got %+v", d)
		}
	})
	t.Run("unexpected_script_result", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		original := rateLimitScript
		rateLimitScript = redis.NewScript(`return "bad-value"`)
		defer func() { rateLimitScript = original }()

		lim := &RedisLimiter{Client: client, Window: time.Second, Prefix: "rl:"}
		if d := lim.Allow(ctx, "k", 5); !d.Allowed || d.Count != 0 {
			t.Fatalf("expected permissive decision, got %+v", d)
		}
	})
}

func TestBurstDetector(t *testing.T) {
	if NewBurstDetector(NewInMemory(time.Minute), 0) != nil {
		t.Fatal("zero limit should disable detection")
	}
	var disabled *BurstDetector
	if disabled.Observe(context.Background(), "remote.example") {
		t.Fatal("nil detector reported a burst")
	}

	b := NewBurstDetector(NewInMemory(time.Minute), 3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if b.Observe(ctx, "remote.example") {
			t.Fatalf("delivery %d flagged before limit", i+1)
		}
	}
	if !b.Observe(ctx, "remote.example") {
		t.Fatal("fourth delivery should be a burst")
	}
	if b.Observe(ctx, "other.example") {
		t.Fatal("instances must be counted separately")
	}
	if b.Observe(ctx, "") {
		t.Fatal("empty host is never a burst")
	}
}
