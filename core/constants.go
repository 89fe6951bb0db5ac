package core

import "time"

// Redis key-prefix defaults shared by the Redis-backed cache and memory
// store variants.
const (
	// DefaultCacheRedisPrefix namespaces Response Cache entries.
	// Format: <prefix><fingerprint>
	DefaultCacheRedisPrefix = "cogcore:cache:"

	// DefaultMemoryRedisPrefix namespaces consolidated Memory Store entries.
	// Format: <prefix><unit_id>, one key per unit holding its knowledge
	// entries as a JSON array.
	DefaultMemoryRedisPrefix = "cogcore:memory:"

	// DefaultRedisDialTimeout bounds the initial connection Ping used by
	// both Redis-backed stores to fail fast on misconfiguration.
	DefaultRedisDialTimeout = 5 * time.Second
)
