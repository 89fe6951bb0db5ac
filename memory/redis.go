package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/cognetic-labs/cogcore/core"
)

// RedisKnowledgeStore is the Redis-backed KnowledgePersister: it stores a
// unit's consolidated (kind=Knowledge) entries so they survive process
// restarts, per Config.Memory's "memory|redis" backend selection.
// Short-term entries stay in the in-process Store; only Consolidate's
// promoted output is durable.
type RedisKnowledgeStore struct {
	client *redis.Client
	prefix string
}

var _ KnowledgePersister = (*RedisKnowledgeStore)(nil)

// NewRedisKnowledgeStore connects to redisURL and verifies reachability
// with a bounded Ping, failing fast on misconfiguration.
func NewRedisKnowledgeStore(redisURL string) (*RedisKnowledgeStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("memory: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), core.DefaultRedisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("memory: connect to redis: %w", err)
	}

	return NewRedisKnowledgeStoreFromClient(client), nil
}

// NewRedisKnowledgeStoreFromClient wraps an already-connected client, for
// callers (and tests) that manage the connection themselves.
func NewRedisKnowledgeStoreFromClient(client *redis.Client) *RedisKnowledgeStore {
	return &RedisKnowledgeStore{client: client, prefix: core.DefaultMemoryRedisPrefix}
}

// Save persists unitID's current knowledge entries, replacing whatever was
// previously stored for that unit.
func (r *RedisKnowledgeStore) Save(ctx context.Context, unitID string, entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("memory: marshal knowledge entries: %w", err)
	}
	if err := r.client.Set(ctx, r.key(unitID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMemoryStorage, err)
	}
	return nil
}

// Load returns unitID's persisted knowledge entries, or nil if none exist.
func (r *RedisKnowledgeStore) Load(ctx context.Context, unitID string) ([]Entry, error) {
	data, err := r.client.Get(ctx, r.key(unitID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", core.ErrMemoryStorage, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("memory: unmarshal knowledge entries: %w", err)
	}
	for i := range entries {
		entries[i].tokens = tokenize(entries[i].Content)
	}
	return entries, nil
}

func (r *RedisKnowledgeStore) key(unitID string) string {
	return r.prefix + unitID
}

// Close releases the underlying Redis connection.
func (r *RedisKnowledgeStore) Close() error {
	return r.client.Close()
}
