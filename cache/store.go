// Package cache implements the response cache: a fingerprint-keyed map
// with scored-LRU eviction, per-layer TTL, and singleflight dedup so
// concurrent misses for the same fingerprint trigger only one backend
// call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cognetic-labs/cogcore/core"
)

// ResponseCache is the seam units resolve artifacts through: a cache hit
// returns the stored artifact, a miss collapses concurrent callers into one
// compute() invocation. Both the in-process scored Store and the
// Redis-backed RedisStore satisfy it; which one a deployment gets is a
// configuration key.
type ResponseCache interface {
	GetOrCompute(ctx context.Context, fp, layer string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error)
}

// Entry is one cached artifact.
type Entry struct {
	Fingerprint string
	Artifact    []byte
	Layer       string
	SizeBytes   int64
	CreatedAt   time.Time
	LastHitAt   time.Time
	HitCount    int64
	TTL         time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// ScoreWeights are the coefficients of the eviction score:
// score = alpha*hit_rate + beta*recency - gamma*size.
type ScoreWeights struct {
	Alpha float64 // hit-rate weight
	Beta  float64 // recency weight
	Gamma float64 // size penalty weight
}

// DefaultScoreWeights weights hit rate and recency equally and the size
// penalty at half that; recency and size are normalized to comparable
// ranges before weighting (see score()).
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Alpha: 1.0, Beta: 1.0, Gamma: 0.5}
}

// Store is the in-process Response Cache. One Store instance is shared by
// every session and unit.
type Store struct {
	mu sync.Mutex

	entries       map[string]*Entry
	totalBytes    int64
	capacityBytes int64
	highWatermark float64
	weights       ScoreWeights

	sg     singleflight.Group
	logger core.Logger
}

var _ ResponseCache = (*Store)(nil)

// Option configures optional Store fields.
type Option func(*Store)

func WithLogger(l core.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithScoreWeights(w ScoreWeights) Option {
	return func(s *Store) { s.weights = w }
}

// NewStore builds a Response Cache capped at capacityBytes, evicting down to
// highWatermark*capacityBytes whenever a Put would push usage past that
// watermark.
func NewStore(capacityBytes int64, highWatermark float64, opts ...Option) *Store {
	s := &Store{
		entries:       make(map[string]*Entry),
		capacityBytes: capacityBytes,
		highWatermark: highWatermark,
		weights:       DefaultScoreWeights(),
		logger:        &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("cogcore/cache")
	}
	return s
}

// Fingerprint computes the cache key: hash(layer, unit_id, content_hash,
// prompt_version). Any change to the prompt template (which bumps
// promptVersion) invalidates every prior entry for that unit.
func Fingerprint(layer, unitID, contentHash, promptVersion string) string {
	h := sha256.New()
	h.Write([]byte(layer))
	h.Write([]byte{0})
	h.Write([]byte(unitID))
	h.Write([]byte{0})
	h.Write([]byte(contentHash))
	h.Write([]byte{0})
	h.Write([]byte(promptVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the artifact for fp if present and unexpired, updating
// LastHitAt/HitCount. The second return value is false on miss or expiry.
func (s *Store) Get(fp string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fp]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		s.removeLocked(fp)
		return nil, false
	}
	e.LastHitAt = time.Now()
	e.HitCount++
	return e.Artifact, true
}

// Put inserts or replaces the entry for fp, running eviction first if the
// new entry would push total usage over highWatermark*capacityBytes.
func (s *Store) Put(fp, layer string, artifact []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(artifact))
	if existing, ok := s.entries[fp]; ok {
		s.totalBytes -= existing.SizeBytes
	}

	if s.capacityBytes > 0 && float64(s.totalBytes+size) > float64(s.capacityBytes)*s.highWatermark {
		s.evictLocked(size)
	}

	now := time.Now()
	s.entries[fp] = &Entry{
		Fingerprint: fp,
		Artifact:    artifact,
		Layer:       layer,
		SizeBytes:   size,
		CreatedAt:   now,
		LastHitAt:   now,
		TTL:         ttl,
	}
	s.totalBytes += size
}

// InvalidateLayer drops every entry tagged with layer.
func (s *Store) InvalidateLayer(layer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, e := range s.entries {
		if e.Layer == layer {
			s.removeLocked(fp)
		}
	}
}

// Size returns current total cached bytes.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

// CapacityBytes returns the configured cap.
func (s *Store) CapacityBytes() int64 { return s.capacityBytes }

// GetOrCompute implements the singleflight discipline: on a cache hit it
// returns immediately; on a miss, concurrent callers sharing fp
// collapse into one compute() invocation, and every waiter receives that
// single result. The winning caller's result is written back with Put
// before being returned to all waiters.
func (s *Store) GetOrCompute(ctx context.Context, fp, layer string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if artifact, hit := s.Get(fp); hit {
		return artifact, true, nil
	}

	v, err, shared := s.sg.Do(fp, func() (interface{}, error) {
		artifact, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		s.Put(fp, layer, artifact, ttl)
		return artifact, nil
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		s.logger.Debug("singleflight dedup", map[string]interface{}{"fingerprint": fp})
	}
	return v.([]byte), false, nil
}

func (s *Store) removeLocked(fp string) {
	if e, ok := s.entries[fp]; ok {
		s.totalBytes -= e.SizeBytes
		delete(s.entries, fp)
	}
}

// evictLocked removes lowest-scored entries until total usage (after making
// room for incoming) is at or below highWatermark*capacityBytes.
func (s *Store) evictLocked(incomingSize int64) {
	target := int64(float64(s.capacityBytes) * s.highWatermark)
	if target > s.capacityBytes {
		target = s.capacityBytes
	}

	now := time.Now()
	candidates := make([]scoredCandidate, 0, len(s.entries))
	for fp, e := range s.entries {
		candidates = append(candidates, scoredCandidate{fp: fp, score: s.score(e, now)})
	}
	sortByScoreAscending(candidates)

	evicted := 0
	for _, c := range candidates {
		if s.totalBytes+incomingSize <= target {
			break
		}
		s.removeLocked(c.fp)
		evicted++
	}
	if evicted > 0 {
		s.logger.Debug("cache eviction", map[string]interface{}{"evicted": evicted, "total_bytes": s.totalBytes})
	}
}

// score computes alpha*hit_rate + beta*recency - gamma*size. hit_rate is hit_count
// divided by age in seconds (at least 1s, to avoid a division spike for
// brand-new entries); recency is an exponential decay of time since last
// hit; size is normalized against capacityBytes so γ is comparable across
// cache sizes.
func (s *Store) score(e *Entry, now time.Time) float64 {
	ageSeconds := now.Sub(e.CreatedAt).Seconds()
	if ageSeconds < 1 {
		ageSeconds = 1
	}
	hitRate := float64(e.HitCount) / ageSeconds

	recencySeconds := now.Sub(e.LastHitAt).Seconds()
	recency := 1.0 / (1.0 + recencySeconds/60.0) // decays over minutes

	sizeFraction := 0.0
	if s.capacityBytes > 0 {
		sizeFraction = float64(e.SizeBytes) / float64(s.capacityBytes)
	}

	return s.weights.Alpha*hitRate + s.weights.Beta*recency - s.weights.Gamma*sizeFraction
}

// scoredCandidate is an eviction candidate paired with its computed score.
type scoredCandidate struct {
	fp    string
	score float64
}

func sortByScoreAscending(candidates []scoredCandidate) {
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score < candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
}

// TTLForLayer returns the configured TTL for a layer name, falling back to
// implTTL for any unrecognized layer: a misclassified layer fails toward
// staleness, not thrash.
func TTLForLayer(layer string, strategicTTL, designTTL, implTTL time.Duration) time.Duration {
	switch layer {
	case "strategic":
		return strategicTTL
	case "design":
		return designTTL
	case "implementation":
		return implTTL
	default:
		return implTTL
	}
}
