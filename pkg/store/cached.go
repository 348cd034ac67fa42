package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"apwall/pkg/actor"
	"apwall/pkg/logging"
)

// Lookup outcomes reported to a LookupObserver.
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupError = "error"
)

// LookupObserver receives one call per CachedStore.Lookup.
type LookupObserver interface {
	ObserveLookup(outcome string, elapsed time.Duration)
}

const (
	DefaultCacheTTL      = 60 * time.Second
	DefaultLookupTimeout = 200 * time.Millisecond
)

// CachedStoreOptions configures NewCachedStore. Zero values take defaults.
type CachedStoreOptions struct {
	TTL      time.Duration
	Timeout  time.Duration
	Logger   zerolog.Logger
	Observer LookupObserver
}

// CachedStore is the cache-first front of a RelationshipStore. Its Lookup
// never fails: backend errors yield degraded default facts, which are not
// cached.
type CachedStore struct {
	backend  RelationshipStore
	cache    FactCache
	ttl      time.Duration
	timeout  time.Duration
	log      zerolog.Logger
	observer LookupObserver
}

func NewCachedStore(backend RelationshipStore, cache FactCache, opts CachedStoreOptions) *CachedStore {
	if cache == nil {
		cache = NewMemoryFactCache(0)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLookupTimeout
	}
	return &CachedStore{
		backend:  backend,
		cache:    cache,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		log:      logging.Component(opts.Logger, "store"),
		observer: opts.Observer,
	}
}

func (s *CachedStore) Lookup(ctx context.Context, id actor.Identity) Facts {
	start := time.Now()
	facts, ok, err := s.cache.Get(ctx, id.URI)
	if err != nil {
		s.log.Warn().Err(err).Str("actor", id.URI).Msg("fact cache read failed")
	}
	if ok {
		s.observe(LookupHit, start)
		return facts
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	facts, err = s.backend.Lookup(lookupCtx, id)
	cancel()
	if err != nil {
		s.observe(LookupError, start)
		s.log.Error().Err(err).
			Str("actor", id.URI).
			Dur("elapsed", time.Since(start)).
			Msg("relationship lookup failed, using default facts")
		return Facts{Degraded: true}
	}
	if err := s.cache.Set(ctx, id.URI, facts, s.ttl); err != nil {
		s.log.Warn().Err(err).Str("actor", id.URI).Msg("fact cache write failed")
	}
	s.observe(LookupMiss, start)
	return facts
}

// Invalidate drops the cached facts for an actor URI.
func (s *CachedStore) Invalidate(ctx context.Context, uri string) error {
	return s.cache.Del(ctx, uri)
}

func (s *CachedStore) observe(outcome string, start time.Time) {
	if s.observer != nil {
		s.observer.ObserveLookup(outcome, time.Since(start))
	}
}
