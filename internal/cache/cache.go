// Package cache stores short-lived registry responses so repeated version
// checks inside the TTL window do not hit the remote API.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Cache is a byte-oriented TTL cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Close() error
}

type entry struct {
	data   []byte
	expiry time.Time
}

// MemoryCache implements in-memory caching with TTL and simple eviction
type MemoryCache struct {
	mu      sync.RWMutex
	data    map[string]entry
	maxSize int
	now     func() time.Time
}

func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryCache{
		data:    make(map[string]entry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (mc *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	mc.mu.RLock()
	e, ok := mc.data[key]
	mc.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if mc.now().After(e.expiry) {
		mc.mu.Lock()
		delete(mc.data, key)
		mc.mu.Unlock()
		return nil, false
	}
	return e.data, true
}

func (mc *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, exists := mc.data[key]; !exists && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	mc.data[key] = entry{data: cp, expiry: mc.now().Add(ttl)}
}

func (mc *MemoryCache) Delete(_ context.Context, key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.data, key)
}

func (mc *MemoryCache) Close() error {
	mc.mu.Lock()
	mc.data = make(map[string]entry)
	mc.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (mc *MemoryCache) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.data)
}

func (mc *MemoryCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, v := range mc.data {
		if first || v.expiry.Before(oldest) {
			oldestKey = k
			oldest = v.expiry
			first = false
		}
	}
	if !first {
		delete(mc.data, oldestKey)
	}
}

// Layered reads through a primary cache and an optional fallback, and keeps
// hit/miss counters for the list command.
type Layered struct {
	primary  Cache
	fallback Cache
	logger   zerolog.Logger

	mu     sync.Mutex
	hits   int64
	misses int64
}

// New returns a Redis-backed cache with an in-memory fallback when redisURL is
// set and reachable, otherwise a memory-only cache.
func New(redisURL string, size int, logger zerolog.Logger) *Layered {
	mem := NewMemoryCache(size)
	l := &Layered{primary: mem, logger: logger}
	if redisURL == "" {
		return l
	}
	rc, err := NewRedisCache(redisURL, "", logger)
	if err != nil {
		logger.Warn().Err(err).Msg("redis cache unavailable, falling back to memory")
		return l
	}
	l.primary = rc
	l.fallback = mem
	return l
}

func (l *Layered) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := l.primary.Get(ctx, key); ok {
		l.record(true)
		return v, true
	}
	if l.fallback != nil {
		if v, ok := l.fallback.Get(ctx, key); ok {
			l.record(true)
			return v, true
		}
	}
	l.record(false)
	return nil, false
}

func (l *Layered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	l.primary.Set(ctx, key, value, ttl)
	if l.fallback != nil {
		l.fallback.Set(ctx, key, value, ttl)
	}
}

func (l *Layered) Delete(ctx context.Context, key string) {
	l.primary.Delete(ctx, key)
	if l.fallback != nil {
		l.fallback.Delete(ctx, key)
	}
}

func (l *Layered) Close() error {
	err := l.primary.Close()
	if l.fallback != nil {
		if e := l.fallback.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (l *Layered) record(hit bool) {
	l.mu.Lock()
	if hit {
		l.hits++
	} else {
		l.misses++
	}
	l.mu.Unlock()
}

// Stats returns hit/miss counters and the hit ratio.
func (l *Layered) Stats() (hits, misses int64, ratio float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hits, misses = l.hits, l.misses
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return
}
