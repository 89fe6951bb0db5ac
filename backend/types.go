// Package backend implements the Backend Multiplexer: the hybrid live/mock
// LLM dispatch layer sitting behind a circuit breaker and a per-session and
// per-hour cost budget.
package backend

import (
	"context"
	"sync"
	"time"

	"github.com/cognetic-labs/cogcore/signal"
)

// Artifact is the result of one completion call. Content is the text the
// requesting unit parses per its layer's rule; UsageTokens/CostCents are the
// metered side effects the multiplexer tracks against budget.
type Artifact struct {
	Content     string
	UsageTokens int
	CostCents   int
	Mock        bool // true if this artifact came from the mock backend
}

// Backend is the narrow contract both the live and mock implementations
// satisfy. The multiplexer is itself a Backend so units never need to know
// which concrete backend served a call.
type Backend interface {
	Complete(ctx context.Context, layer signal.Layer, prompt string, content []byte) (Artifact, error)
}

// CostEstimator estimates the cost of a prospective call before it is made,
// used for the budget pre-check in policy step 2.
type CostEstimator func(layer signal.Layer, prompt string, content []byte) int

// DefaultCostEstimator is a conservative flat estimate used when the caller
// has no better model: one cent per call. Budgets of 0 therefore force mock
// for every call.
func DefaultCostEstimator(layer signal.Layer, prompt string, content []byte) int {
	return 1
}

// BudgetTracker accumulates spend against the per-session and per-hour caps.
// It is safe for concurrent use. One tracker holds both running totals, and
// a Multiplexer holds exactly one tracker, so the session total covers
// every call made through that Multiplexer.
type BudgetTracker struct {
	mu sync.Mutex

	perSessionCapCents int
	perHourCapCents    int

	sessionSpentCents int
	hourSpentCents    int
	hourWindowStart   time.Time
}

// NewBudgetTracker builds a tracker enforcing both the session and hourly caps.
// A cap of 0 means "no budget": WouldExceed always reports true, forcing
// mock for every call.
func NewBudgetTracker(perSessionCapCents, perHourCapCents int) *BudgetTracker {
	return &BudgetTracker{
		perSessionCapCents: perSessionCapCents,
		perHourCapCents:    perHourCapCents,
		hourWindowStart:    time.Now(),
	}
}

// WouldExceed reports whether spending estimatedCents would push the session
// or hourly total past its cap. A cap of 0 is treated as "no budget at all"
// rather than "unlimited".
func (b *BudgetTracker) WouldExceed(estimatedCents int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()

	if b.perSessionCapCents <= 0 || b.perHourCapCents <= 0 {
		return true
	}
	return b.sessionSpentCents+estimatedCents > b.perSessionCapCents ||
		b.hourSpentCents+estimatedCents > b.perHourCapCents
}

// Record adds actualCents to both the session and hourly running totals.
func (b *BudgetTracker) Record(actualCents int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	b.sessionSpentCents += actualCents
	b.hourSpentCents += actualCents
}

// SessionSpentCents reports the session's running total, for response
// metadata (cost_cents in the happy-path scenario).
func (b *BudgetTracker) SessionSpentCents() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionSpentCents
}

func (b *BudgetTracker) rolloverLocked() {
	if time.Since(b.hourWindowStart) >= time.Hour {
		b.hourSpentCents = 0
		b.hourWindowStart = time.Now()
	}
}
