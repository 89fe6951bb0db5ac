// Package memory implements the per-unit memory store: a bounded
// short-term signal log, importance-weighted consolidation into long-lived
// knowledge, and a bag-of-tokens similarity index for recall.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cognetic-labs/cogcore/core"
)

// Kind tags the provenance of a memory entry.
type Kind int

const (
	KindSignal Kind = iota
	KindError
	KindLearning
	KindKnowledge
)

func (k Kind) String() string {
	switch k {
	case KindSignal:
		return "signal"
	case KindError:
		return "error"
	case KindLearning:
		return "learning"
	case KindKnowledge:
		return "knowledge"
	default:
		return "unknown"
	}
}

// MemoryStore is the contract units record to and recall from. Both the
// in-process Store and the Redis-persisted PersistentStore satisfy it;
// which one a deployment gets is a configuration key.
type MemoryStore interface {
	Record(ctx context.Context, unitID string, kind Kind, content, contentHash string, importance float64) Entry
	Recall(ctx context.Context, unitID, queryContent string, k int) []Entry
	Consolidate(ctx context.Context, unitID string)
	ShouldConsolidate(unitID string) bool
}

// Entry is one memory record.
type Entry struct {
	ID             string
	UnitID         string
	Kind           Kind
	Content        string
	ContentHash    string
	Importance     float64 // clamped to [0,1]
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64

	tokens map[string]int // cached bag-of-tokens for similarity scoring
}

// consolidationFloor gates which entries survive consolidate(): entries
// whose importance*log(1+access_count) is below this are pruned. This is a
// fixed constant rather than a config key; the configurable threshold only
// gates when consolidation runs, not what it promotes.
const consolidationFloor = 0.15

// Store is the per-unit-scoped memory store. One Store instance is shared
// by all units; every operation is keyed by unit_id so units never see each
// other's entries.
type Store struct {
	mu sync.Mutex

	byUnit map[string][]*Entry // short-term + consolidated, unit_id -> entries, newest-last

	shortTermMaxAge        time.Duration
	consolidationThreshold int

	logger core.Logger
}

var _ MemoryStore = (*Store)(nil)

// Option configures optional Store fields.
type Option func(*Store)

func WithLogger(l core.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore builds an in-process memory store. shortTermMaxAge bounds the
// age of kind=Signal entries; consolidationThreshold is the short-term
// count that triggers consolidate() becoming relevant to call.
func NewStore(shortTermMaxAge time.Duration, consolidationThreshold int, opts ...Option) *Store {
	s := &Store{
		byUnit:                 make(map[string][]*Entry),
		shortTermMaxAge:        shortTermMaxAge,
		consolidationThreshold: consolidationThreshold,
		logger:                 &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("cogcore/memory")
	}
	return s
}

// Record inserts a new entry for unitID. Memory operations are
// best-effort: Record never returns an error the caller must act on; a failure
// mode (none exists for the in-process backend) would be logged and
// swallowed, matching "memory is never on the critical path".
func (s *Store) Record(ctx context.Context, unitID string, kind Kind, content, contentHash string, importance float64) Entry {
	importance = clamp01(importance)
	now := time.Now()
	entry := &Entry{
		ID:             uuid.NewString(),
		UnitID:         unitID,
		Kind:           kind,
		Content:        content,
		ContentHash:    contentHash,
		Importance:     importance,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    0,
		tokens:         tokenize(content),
	}

	s.mu.Lock()
	s.byUnit[unitID] = append(s.byUnit[unitID], entry)
	count := len(s.byUnit[unitID])
	s.mu.Unlock()

	s.logger.Debug("memory recorded", map[string]interface{}{
		"unit_id": unitID,
		"kind":    kind.String(),
		"count":   count,
	})

	return *entry
}

// Recall returns up to k entries for unitID most similar to queryContent,
// breaking ties by recency (most recently created first).
func (s *Store) Recall(ctx context.Context, unitID, queryContent string, k int) []Entry {
	if k <= 0 {
		return nil
	}
	query := tokenize(queryContent)

	s.mu.Lock()
	entries := s.byUnit[unitID]
	scored := make([]scoredEntry, 0, len(entries))
	now := time.Now()
	for _, e := range entries {
		scored = append(scored, scoredEntry{entry: e, score: jaccard(query, e.tokens)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].entry.CreatedAt.After(scored[j].entry.CreatedAt)
	})
	if k > len(scored) {
		k = len(scored)
	}
	out := make([]Entry, k)
	for i := 0; i < k; i++ {
		scored[i].entry.LastAccessedAt = now
		scored[i].entry.AccessCount++
		out[i] = *scored[i].entry
	}
	s.mu.Unlock()

	return out
}

type scoredEntry struct {
	entry *Entry
	score float64
}

// Consolidate runs the promotion/pruning pass for unitID: expires aged
// short-term signal entries, then promotes entries whose
// importance*log(1+access_count) clears consolidationFloor to kind=Knowledge
// (making them immune to age-based expiry). Entries below the floor that
// have a non-zero score (recalled at least once) are kept until they age
// out; the rest are dropped. Idempotent:
// running it twice in a row with no intervening Record/Recall produces the
// same surviving set, since promoted entries don't re-enter the
// age-expiry check and the formula is a pure function of already-updated
// fields.
func (s *Store) Consolidate(ctx context.Context, unitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.byUnit[unitID]
	if len(entries) == 0 {
		return
	}

	cutoff := time.Now().Add(-s.shortTermMaxAge)
	kept := make([]*Entry, 0, len(entries))
	promoted, pruned := 0, 0

	for _, e := range entries {
		if e.Kind == KindKnowledge {
			kept = append(kept, e)
			continue
		}
		score := e.Importance * math.Log(1+float64(e.AccessCount))
		switch {
		case score >= consolidationFloor:
			e.Kind = KindKnowledge
			kept = append(kept, e)
			promoted++
		case e.Kind == KindSignal && e.CreatedAt.Before(cutoff):
			pruned++ // short-term entry aged out
		case score > 0:
			kept = append(kept, e) // below floor but not yet aged out
		default:
			pruned++
		}
	}

	s.byUnit[unitID] = kept
	s.logger.Info("memory consolidated", map[string]interface{}{
		"unit_id":  unitID,
		"promoted": promoted,
		"pruned":   pruned,
		"kept":     len(kept),
	})
}

// ShouldConsolidate reports whether unitID's short-term entry count exceeds
// the configured threshold, the trigger condition for Consolidate.
func (s *Store) ShouldConsolidate(unitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.byUnit[unitID] {
		if e.Kind == KindSignal {
			count++
		}
	}
	return count > s.consolidationThreshold
}

// Count returns the total number of entries held for unitID, for tests and
// diagnostics.
func (s *Store) Count(unitID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUnit[unitID])
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// tokenize builds the bag-of-tokens embedding used for similarity recall:
// lowercase whitespace-split word counts — a lightweight stand-in when no
// vector embedding is supplied.
func tokenize(content string) map[string]int {
	tokens := make(map[string]int)
	for _, word := range strings.Fields(strings.ToLower(content)) {
		tokens[word]++
	}
	return tokens
}

// jaccard scores similarity between two bag-of-tokens sets as
// |intersection| / |union|, 0 if both are empty.
func jaccard(a, b map[string]int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	union := len(a)
	for tok := range b {
		if _, ok := a[tok]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
