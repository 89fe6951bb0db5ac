package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/cognetic-labs/cogcore/core"
)

// SignalWorkerPool bounds same-layer parallel dispatch. It drains a single
// round of already-ready signals (the round boundary comes from the
// topology.Router's per-unit queues, which the orchestrator already owns),
// so a semaphore-bounded fan-out stands in for a pool of long-lived worker
// goroutines.
type SignalWorkerPool struct {
	maxConcurrency int
	logger         core.Logger
}

// NewSignalWorkerPool builds a pool that runs at most maxConcurrency tasks
// at once. maxConcurrency <= 0 means unbounded (one goroutine per task).
func NewSignalWorkerPool(maxConcurrency int, logger core.Logger) *SignalWorkerPool {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("cogcore/orchestrator")
	}
	return &SignalWorkerPool{maxConcurrency: maxConcurrency, logger: logger}
}

// RunRound runs every task concurrently, bounded by maxConcurrency, and
// blocks until all have returned. A task that panics is recovered and
// logged with its stack trace; it does not bring down the pool or any
// other task.
func (p *SignalWorkerPool) RunRound(ctx context.Context, tasks []func(context.Context)) {
	if len(tasks) == 0 {
		return
	}

	limit := p.maxConcurrency
	if limit <= 0 || limit > len(tasks) {
		limit = len(tasks)
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for _, task := range tasks {
		task := task
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("worker pool task panicked", map[string]interface{}{
						"panic": fmt.Sprintf("%v", r),
						"stack": string(debug.Stack()),
					})
				}
			}()
			task(ctx)
		}()
	}
	wg.Wait()
}
