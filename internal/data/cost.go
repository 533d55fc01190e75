package data

import (
	"context"
	"time"

	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// CostWindowRepo implements biz.CostWindowRepo: per-entity rolling spend sums
// backed by the atomic counter store's sorted-set windows.
type CostWindowRepo struct {
	store  *AtomicCounterStore
	logger *log.Helper
}

// NewCostWindowRepo creates a new rolling cost window repository.
func NewCostWindowRepo(store *AtomicCounterStore, logger log.Logger) *CostWindowRepo {
	return &CostWindowRepo{
		store:  store,
		logger: log.NewHelper(logger),
	}
}

// Append records a cost sample for the entity and returns the window total.
// requestID, when non-empty, is embedded in the sample member so a retried
// write for the same request stays distinguishable.
func (r *CostWindowRepo) Append(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow, windowLen time.Duration, cost float64, now time.Time, requestID string) (float64, error) {
	key := CostWindowKey(entityType, entityID, window)
	return r.store.AppendAndSum(ctx, key, now, windowLen, cost, requestID)
}

// Sum evicts stale samples and returns the current window total without
// appending anything.
func (r *CostWindowRepo) Sum(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow, windowLen time.Duration, now time.Time) (float64, error) {
	key := CostWindowKey(entityType, entityID, window)
	return r.store.CleanupAndSum(ctx, key, now, windowLen)
}
