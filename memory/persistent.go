package memory

import (
	"context"

	"github.com/cognetic-labs/cogcore/core"
)

// KnowledgePersister is the durability seam PersistentStore saves and
// restores consolidated knowledge through. RedisKnowledgeStore is the
// shipped implementation; tests substitute an in-memory fake.
type KnowledgePersister interface {
	Save(ctx context.Context, unitID string, entries []Entry) error
	Load(ctx context.Context, unitID string) ([]Entry, error)
}

// PersistentStore layers a KnowledgePersister over the in-process Store:
// Record/Recall/ShouldConsolidate stay in-process (short-term entries are
// cheap to rebuild), and every Consolidate writes the surviving knowledge
// entries out so they outlive the process. Persistence failures are logged
// and swallowed — memory is never on the critical path.
type PersistentStore struct {
	*Store
	persister KnowledgePersister
	logger    core.Logger
}

var _ MemoryStore = (*PersistentStore)(nil)

// PersistentOption configures optional PersistentStore fields.
type PersistentOption func(*PersistentStore)

func WithPersistentLogger(l core.Logger) PersistentOption {
	return func(p *PersistentStore) { p.logger = l }
}

// NewPersistentStore wraps store so consolidated knowledge survives
// restarts via persister.
func NewPersistentStore(store *Store, persister KnowledgePersister, opts ...PersistentOption) *PersistentStore {
	p := &PersistentStore{
		Store:     store,
		persister: persister,
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if cal, ok := p.logger.(core.ComponentAwareLogger); ok {
		p.logger = cal.WithComponent("cogcore/memory")
	}
	return p
}

// Consolidate runs the in-process promotion/pruning pass, then persists
// unitID's surviving knowledge entries.
func (p *PersistentStore) Consolidate(ctx context.Context, unitID string) {
	p.Store.Consolidate(ctx, unitID)

	knowledge := p.knowledgeEntries(unitID)
	if len(knowledge) == 0 {
		return
	}
	if err := p.persister.Save(ctx, unitID, knowledge); err != nil {
		p.logger.Warn("failed to persist consolidated knowledge", map[string]interface{}{
			"unit_id": unitID,
			"error":   err.Error(),
		})
	}
}

// Restore seeds unitID's in-process entries from previously persisted
// knowledge, called once per unit at startup. Like every other memory
// operation it is best-effort: a load failure is logged and the unit starts
// with empty memory.
func (p *PersistentStore) Restore(ctx context.Context, unitID string) {
	entries, err := p.persister.Load(ctx, unitID)
	if err != nil {
		p.logger.Warn("failed to restore persisted knowledge", map[string]interface{}{
			"unit_id": unitID,
			"error":   err.Error(),
		})
		return
	}
	if len(entries) == 0 {
		return
	}

	p.Store.mu.Lock()
	defer p.Store.mu.Unlock()
	for i := range entries {
		e := entries[i]
		if e.tokens == nil {
			e.tokens = tokenize(e.Content)
		}
		p.Store.byUnit[unitID] = append(p.Store.byUnit[unitID], &e)
	}
}

func (p *PersistentStore) knowledgeEntries(unitID string) []Entry {
	p.Store.mu.Lock()
	defer p.Store.mu.Unlock()
	var knowledge []Entry
	for _, e := range p.Store.byUnit[unitID] {
		if e.Kind == KindKnowledge {
			knowledge = append(knowledge, *e)
		}
	}
	return knowledge
}
