package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"

	"github.com/cognetic-labs/cogcore/core"
)

// RedisStore is the optional distributed response-cache backend
// (cache.backend == "redis"), letting multiple core processes share cached
// artifacts. It implements the same fingerprint/TTL contract as Store but
// delegates eviction to Redis's own expiry rather than the in-process
// scored-LRU pass: Redis entries are independently TTL'd, and sized
// eviction across a shared keyspace is the storage backend's job, not the
// core's.
type RedisStore struct {
	client *redis.Client
	prefix string

	sg singleflight.Group

	hits   int64
	misses int64
}

var _ ResponseCache = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisStore) { r.prefix = prefix }
}

// NewRedisStore connects to redisURL, verifying reachability with a bounded
// Ping before returning.
func NewRedisStore(redisURL string, opts ...RedisOption) (*RedisStore, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid redis url: %w", err)
	}
	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), core.DefaultRedisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, opts...), nil
}

// NewRedisStoreFromClient wraps an already-connected client, for callers
// (and tests) that manage the connection themselves.
func NewRedisStoreFromClient(client *redis.Client, opts ...RedisOption) *RedisStore {
	r := &RedisStore{client: client, prefix: core.DefaultCacheRedisPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the cached artifact for fp, or a miss if absent/expired.
func (r *RedisStore) Get(ctx context.Context, fp string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+fp).Bytes()
	if err != nil {
		if err == redis.Nil {
			atomic.AddInt64(&r.misses, 1)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", core.ErrCacheStorage, err)
	}
	atomic.AddInt64(&r.hits, 1)
	return data, true, nil
}

// Put stores artifact for fp with the given TTL. A zero TTL means "no
// expiry", matching Redis's own SET semantics.
func (r *RedisStore) Put(ctx context.Context, fp string, artifact []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+fp, artifact, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCacheStorage, err)
	}
	return nil
}

// InvalidateLayer is a best-effort layer-wide invalidation: Redis has no
// secondary index on the layer tag, so this relies on the caller tracking
// fingerprints per layer (the in-process Store does; a Redis-only
// deployment that needs this should keep a parallel layer->fingerprints set
// key).
func (r *RedisStore) InvalidateLayer(ctx context.Context, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	keys := make([]string, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = r.prefix + fp
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCacheStorage, err)
	}
	return nil
}

// GetOrCompute implements ResponseCache over the Redis store: a hit returns
// the stored artifact, a miss collapses concurrent callers sharing fp into
// one compute() via singleflight and writes the winner's result back with
// the given TTL. A storage error on the read path is swallowed and the
// artifact recomputed (the cache is bypassed, never fatal); a storage error
// on the write path still serves the computed artifact. The layer tag is
// carried by the TTL the caller already resolved per layer.
func (r *RedisStore) GetOrCompute(ctx context.Context, fp, layer string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if data, ok, err := r.Get(ctx, fp); err == nil && ok {
		return data, true, nil
	}

	v, err, _ := r.sg.Do(fp, func() (interface{}, error) {
		artifact, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		_ = r.Put(ctx, fp, artifact, ttl)
		return artifact, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// Stats returns hit/miss counters for diagnostics.
func (r *RedisStore) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&r.hits), atomic.LoadInt64(&r.misses)
}

// Close releases the underlying Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
