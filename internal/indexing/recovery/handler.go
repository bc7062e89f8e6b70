package recovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vietddude/partywatch/internal/core/domain"
	"github.com/vietddude/partywatch/internal/indexing/metrics"
)

// RestoreFunc re-establishes subscriptions for one crowdfund.
type RestoreFunc func(ctx context.Context, address common.Address) error

// Queue holds crowdfunds whose subscriptions failed to come up. Entries
// are retried with the strategy's delay for their retry count and are
// never dropped until they succeed or are removed.
type Queue struct {
	mu       sync.Mutex
	pending  map[common.Address]*domain.PendingRestore
	strategy RetryStrategy
	now      func() time.Time
	log      *slog.Logger
}

// NewQueue creates an empty restore queue.
func NewQueue(strategy RetryStrategy) *Queue {
	return &Queue{
		pending:  make(map[common.Address]*domain.PendingRestore),
		strategy: strategy,
		now:      time.Now,
		log:      slog.Default().With("component", "restore-queue"),
	}
}

// Add records a failure for address. An existing entry keeps its retry
// count and only has its error refreshed.
func (q *Queue) Add(address common.Address, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if p, ok := q.pending[address]; ok {
		p.Error = err.Error()
		return
	}
	q.pending[address] = &domain.PendingRestore{
		ID:          uuid.New().String(),
		Address:     address,
		Error:       err.Error(),
		LastAttempt: now,
		CreatedAt:   now,
	}
	metrics.PendingRestores.Set(float64(len(q.pending)))
	q.log.Warn("Subscription restore queued", "address", address.Hex(), "error", err)
}

// Remove drops address from the queue.
func (q *Queue) Remove(address common.Address) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, address)
	metrics.PendingRestores.Set(float64(len(q.pending)))
}

// Reset empties the queue; a full rebuild supersedes every entry.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make(map[common.Address]*domain.PendingRestore)
	metrics.PendingRestores.Set(0)
}

// Len returns the number of queued crowdfunds.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the queue ordered by creation time.
func (q *Queue) Pending() []domain.PendingRestore {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.PendingRestore, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ProcessDue retries every entry whose backoff has elapsed and returns how
// many were restored. fn runs without the queue lock held.
func (q *Queue) ProcessDue(ctx context.Context, fn RestoreFunc) int {
	var due []common.Address
	q.mu.Lock()
	now := q.now()
	for addr, p := range q.pending {
		if !now.Before(p.LastAttempt.Add(q.strategy.GetDelay(p.RetryCount))) {
			due = append(due, addr)
		}
	}
	q.mu.Unlock()

	restored := 0
	for _, addr := range due {
		if ctx.Err() != nil {
			break
		}
		err := fn(ctx, addr)

		q.mu.Lock()
		p, ok := q.pending[addr]
		if !ok {
			q.mu.Unlock()
			continue
		}
		retry := p.RetryCount
		if err == nil {
			delete(q.pending, addr)
			restored++
		} else {
			p.RetryCount++
			retry = p.RetryCount
			p.LastAttempt = q.now()
			p.Error = err.Error()
		}
		metrics.PendingRestores.Set(float64(len(q.pending)))
		q.mu.Unlock()

		if err != nil {
			q.log.Debug("Subscription restore failed", "address", addr.Hex(), "retry", retry, "error", err)
		} else {
			q.log.Info("Subscription restored", "address", addr.Hex())
		}
	}
	return restored
}
