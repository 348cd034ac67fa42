package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryFactCacheNeverServesExpiredEntries(t *testing.T) {
	c := NewMemoryFactCache(0)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	want := Facts{Known: true, Followers: 7}
	if err := c.Set(ctx, alice.URI, want, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, alice.URI)
	if err != nil || !ok || got != want {
		t.Fatalf("expected fresh hit, got %+v ok=%v err=%v", got, ok, err)
	}

	now = now.Add(time.Minute)
	if _, ok, _ := c.Get(ctx, alice.URI); ok {
		t.Fatal("entry at exactly its ttl must not be served")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed on read, len=%d", c.Len())
	}
}

func TestMemoryFactCacheDelAndZeroTTL(t *testing.T) {
	c := NewMemoryFactCache(0)
	ctx := context.Background()
	_ = c.Set(ctx, "a", Facts{Known: true}, 0)
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Fatal("zero ttl must not cache")
	}
	_ = c.Set(ctx, "a", Facts{Known: true}, time.Minute)
	_ = c.Del(ctx, "a")
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Fatal("deleted entry returned")
	}
}

func TestMemoryFactCacheBoundsEntries(t *testing.T) {
	c := NewMemoryFactCache(3)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = c.Set(ctx, fmt.Sprintf("k%d", i), Facts{Followers: int64(i)}, time.Duration(i+1)*time.Minute)
	}
	_ = c.Set(ctx, "k3", Facts{Followers: 3}, 10*time.Minute)
	if c.Len() != 3 {
		t.Fatalf("expected bounded size 3, got %d", c.Len())
	}
	if _, ok, _ := c.Get(ctx, "k0"); ok {
		t.Fatal("entry closest to expiry should have been evicted")
	}
	if _, ok, _ := c.Get(ctx, "k3"); !ok {
		t.Fatal("new entry missing")
	}

	// Overwriting an existing key never evicts.
	_ = c.Set(ctx, "k1", Facts{Followers: 11}, time.Minute)
	if c.Len() != 3 {
		t.Fatalf("overwrite changed size to %d", c.Len())
	}
}

func TestRedisFactCacheRoundTripAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	c := NewFactCache(ctx, client, 0)
	if _, ok := c.(*RedisFactCache); !ok {
		t.Fatalf("expected RedisFactCache when redis answers, got %T", c)
	}
	want := Facts{Known: true, FollowingLocal: true, InstanceKnown: true, InstanceFollowers: 12}
	if err := c.Set(ctx, alice.URI, want, 30*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, alice.URI)
	if err != nil || !ok || got != want {
		t.Fatalf("expected hit %+v, got %+v ok=%v err=%v", want, got, ok, err)
	}
	if !mr.Exists(redisFactPrefix + alice.URI) {
		t.Fatal("expected prefixed key in redis")
	}

	mr.FastForward(31 * time.Second)
	if _, ok, _ := c.Get(ctx, alice.URI); ok {
		t.Fatal("expired redis entry served")
	}

	_ = c.Set(ctx, alice.URI, want, time.Minute)
	if err := c.Del(ctx, alice.URI); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, ok, _ := c.Get(ctx, alice.URI); ok {
		t.Fatal("deleted entry served")
	}
}

func TestRedisFactCacheReportsErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewRedisFactCache(client)
	ctx := context.Background()

	mr.Set(redisFactPrefix+"broken", "{not json")
	if _, ok, err := c.Get(ctx, "broken"); err == nil || ok {
		t.Fatalf("expected decode error, got ok=%v err=%v", ok, err)
	}
	mr.Close()
	if _, _, err := c.Get(ctx, "anything"); err == nil {
		t.Fatal("expected error when redis is gone")
	}
}

func TestNewFactCacheFallsBackToMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := NewFactCache(ctx, nil, 5).(*MemoryFactCache); !ok {
		t.Fatal("expected memory cache for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 5 * time.Millisecond})
	defer client.Close()
	if _, ok := NewFactCache(ctx, client, 5).(*MemoryFactCache); !ok {
		t.Fatal("expected memory cache when redis ping fails")
	}
}
