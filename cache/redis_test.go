package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStore_PutThenGetRoundTrips(t *testing.T) {
	_, client := setupTestRedis(t)
	s := NewRedisStoreFromClient(client)
	ctx := context.Background()

	fp := Fingerprint("design", "u1", "hash", "v1")
	require.NoError(t, s.Put(ctx, fp, []byte("DESIGN:one-file"), time.Minute))

	got, ok, err := s.Get(ctx, fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("DESIGN:one-file"), got)
}

func TestRedisStore_GetMissAfterTTLExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	s := NewRedisStoreFromClient(client)
	ctx := context.Background()

	fp := Fingerprint("strategic", "u1", "hash", "v1")
	require.NoError(t, s.Put(ctx, fp, []byte("x"), time.Second))

	mr.FastForward(2 * time.Second)

	_, ok, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_GetOrCompute_HitSkipsCompute(t *testing.T) {
	_, client := setupTestRedis(t)
	s := NewRedisStoreFromClient(client)
	ctx := context.Background()

	fp := Fingerprint("design", "u1", "hash", "v1")
	require.NoError(t, s.Put(ctx, fp, []byte("cached"), time.Minute))

	called := false
	artifact, hit, err := s.GetOrCompute(ctx, fp, "design", time.Minute, func(ctx context.Context) ([]byte, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.False(t, called)
	assert.Equal(t, []byte("cached"), artifact)
}

func TestRedisStore_GetOrCompute_DedupsConcurrentMisses(t *testing.T) {
	_, client := setupTestRedis(t)
	s := NewRedisStoreFromClient(client)
	fp := Fingerprint("design", "u1", "hash", "v1")

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("computed"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			artifact, _, err := s.GetOrCompute(context.Background(), fp, "design", time.Minute, compute)
			require.NoError(t, err)
			assert.Equal(t, []byte("computed"), artifact)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRedisStore_GetOrCompute_PropagatesComputeError(t *testing.T) {
	_, client := setupTestRedis(t)
	s := NewRedisStoreFromClient(client)
	fp := Fingerprint("design", "u1", "hash", "v1")
	boom := errors.New("boom")

	_, _, err := s.GetOrCompute(context.Background(), fp, "design", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok, getErr := s.Get(context.Background(), fp)
	require.NoError(t, getErr)
	assert.False(t, ok, "a failed compute must not populate the cache")
}

func TestRedisStore_GetOrCompute_BypassesBrokenStore(t *testing.T) {
	mr, client := setupTestRedis(t)
	s := NewRedisStoreFromClient(client)
	mr.Close() // simulate the store going away

	artifact, hit, err := s.GetOrCompute(context.Background(), "fp", "design", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("computed anyway"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("computed anyway"), artifact)
}

func TestRedisStore_StatsCountHitsAndMisses(t *testing.T) {
	_, client := setupTestRedis(t)
	s := NewRedisStoreFromClient(client)
	ctx := context.Background()

	fp := Fingerprint("design", "u1", "hash", "v1")
	_, _, _ = s.Get(ctx, fp)
	require.NoError(t, s.Put(ctx, fp, []byte("x"), time.Minute))
	_, _, _ = s.Get(ctx, fp)

	hits, misses := s.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}
