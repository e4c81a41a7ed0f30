package importer

import (
	"context"
	"errors"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"

	"smartaudit/internal/api"
	"smartaudit/internal/infra/logx"
)

// Cache stores JSON-encoded results of idempotent import calls. It only suppresses
// duplicate network calls and is never the source of truth.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte)
	Delete(ctx context.Context, key string)
}

// MemoryCache is a TTL + LRU bounded in-process cache. Expiry is checked
// lazily on Get against the injected clock.
type MemoryCache struct {
	ttl   time.Duration
	clock api.Clock
	lru   *lru.Cache
}

type memEntry struct {
	val     []byte
	expires time.Time
}

// NewMemoryCache creates a cache holding at most maxEntries values for ttl each.
// ttl <= 0 disables expiry; maxEntries <= 0 disables the size bound.
func NewMemoryCache(ttl time.Duration, maxEntries int, clock api.Clock) *MemoryCache {
	if clock == nil {
		clock = api.RealClock{}
	}
	if maxEntries <= 0 {
		maxEntries = math.MaxInt32
	}
	l, _ := lru.New(maxEntries) // only fails for a non-positive size
	return &MemoryCache{ttl: ttl, clock: clock, lru: l}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(memEntry)
	if !e.expires.IsZero() && !c.clock.Now().Before(e.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.val, true
}

func (c *MemoryCache) Set(_ context.Context, key string, val []byte) {
	e := memEntry{val: val}
	if c.ttl > 0 {
		e.expires = c.clock.Now().Add(c.ttl)
	}
	c.lru.Add(key, e)
}

func (c *MemoryCache) Delete(_ context.Context, key string) { c.lru.Remove(key) }

// Len reports the number of stored entries, expired ones included until touched.
func (c *MemoryCache) Len() int { return c.lru.Len() }

// RedisCache shares the request cache between CLI runs and operators. Redis
// failures degrade to cache misses.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "smartaudit:import:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logx.Warnf("cache get %s: %v", key, err)
		}
		return nil, false
	}
	return b, true
}

func (c *RedisCache) Set(ctx context.Context, key string, val []byte) {
	if err := c.rdb.Set(ctx, c.prefix+key, val, c.ttl).Err(); err != nil {
		logx.Warnf("cache set %s: %v", key, err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
		logx.Warnf("cache delete %s: %v", key, err)
	}
}
