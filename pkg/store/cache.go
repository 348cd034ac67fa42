package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
)

// FactCache holds Facts keyed by actor URI. Get never returns an entry older
// than the ttl it was stored with.
type FactCache interface {
	Get(ctx context.Context, key string) (Facts, bool, error)
	Set(ctx context.Context, key string, facts Facts, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// DefaultMaxEntries bounds the in-memory cache when no limit is configured.
const DefaultMaxEntries = 10000

type cacheEntry struct {
	Facts     Facts     `json:"facts"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MemoryFactCache is a process-local TTL cache. Entries for different actors
// never contend on a shared lock.
type MemoryFactCache struct {
	items *xsync.MapOf[string, cacheEntry]
	max   int
	now   func() time.Time
}

func NewMemoryFactCache(maxEntries int) *MemoryFactCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryFactCache{
		items: xsync.NewMapOf[string, cacheEntry](),
		max:   maxEntries,
		now:   time.Now,
	}
}

func (m *MemoryFactCache) Get(_ context.Context, key string) (Facts, bool, error) {
	now := m.now()
	var hit cacheEntry
	var found bool
	m.items.Compute(key, func(old cacheEntry, loaded bool) (cacheEntry, bool) {
		if !loaded {
			return old, true
		}
		if !now.Before(old.ExpiresAt) {
			return old, true
		}
		hit, found = old, true
		return old, false
	})
	return hit.Facts, found, nil
}

func (m *MemoryFactCache) Set(_ context.Context, key string, facts Facts, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := m.now()
	if _, exists := m.items.Load(key); !exists && m.items.Size() >= m.max {
		m.evict(now)
	}
	m.items.Store(key, cacheEntry{Facts: facts, FetchedAt: now, ExpiresAt: now.Add(ttl)})
	return nil
}

func (m *MemoryFactCache) Del(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

func (m *MemoryFactCache) Len() int { return m.items.Size() }

// evict drops expired entries and then, if the cache is still full, the
// entries closest to expiry until there is room for one more.
func (m *MemoryFactCache) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	m.items.Range(func(k string, v cacheEntry) bool {
		if !now.Before(v.ExpiresAt) {
			m.items.Delete(k)
			return true
		}
		if oldestKey == "" || v.ExpiresAt.Before(oldest) {
			oldestKey, oldest = k, v.ExpiresAt
		}
		return true
	})
	for m.items.Size() >= m.max && oldestKey != "" {
		m.items.Delete(oldestKey)
		oldestKey = ""
		m.items.Range(func(k string, v cacheEntry) bool {
			if oldestKey == "" || v.ExpiresAt.Before(oldest) {
				oldestKey, oldest = k, v.ExpiresAt
			}
			return true
		})
	}
}

const redisFactPrefix = "apwall:facts:"

// RedisFactCache shares facts between firewall replicas. Redis key expiry
// enforces the ttl.
type RedisFactCache struct{ client *redis.Client }

func NewRedisFactCache(client *redis.Client) *RedisFactCache {
	return &RedisFactCache{client: client}
}

func (r *RedisFactCache) Get(ctx context.Context, key string) (Facts, bool, error) {
	raw, err := r.client.Get(ctx, redisFactPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Facts{}, false, nil
	}
	if err != nil {
		return Facts{}, false, err
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Facts{}, false, err
	}
	if !time.Now().Before(entry.ExpiresAt) {
		return Facts{}, false, nil
	}
	return entry.Facts, true, nil
}

func (r *RedisFactCache) Set(ctx context.Context, key string, facts Facts, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := time.Now()
	raw, err := json.Marshal(cacheEntry{Facts: facts, FetchedAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisFactPrefix+key, raw, ttl).Err()
}

func (r *RedisFactCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisFactPrefix+key).Err()
}

// NewFactCache tries redis, falls back to memory.
func NewFactCache(ctx context.Context, client *redis.Client, maxEntries int) FactCache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisFactCache(client)
		}
	}
	return NewMemoryFactCache(maxEntries)
}
