package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// LeaseRepo implements biz.LeaseRepo: one serialized BudgetLease record per
// (entityType, entityId, window), with the record's TTL equal to the lease's
// own ttlSeconds so Redis evicts a lease at the same moment it becomes
// locally unusable.
type LeaseRepo struct {
	cache  CacheClient
	logger *log.Helper
}

// NewLeaseRepo creates a new lease repository.
func NewLeaseRepo(cache CacheClient, logger log.Logger) *LeaseRepo {
	return &LeaseRepo{
		cache:  cache,
		logger: log.NewHelper(logger),
	}
}

// leaseKey builds the shared-store key for one lease record.
func leaseKey(entityType model.EntityType, entityID string, window model.LeaseWindow) string {
	return BuildCacheKey(CacheKeyLease, string(entityType), entityID, string(window))
}

// Load returns the stored lease, or nil when no record exists or the record
// cannot be decoded. A corrupt lease behaves like an expired one.
func (r *LeaseRepo) Load(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow) (*model.BudgetLease, error) {
	raw, err := r.cache.GetRaw(ctx, leaseKey(entityType, entityID, window))
	if errors.Is(err, ErrCacheNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load lease %s/%s/%s: %w", entityType, entityID, window, err)
	}
	return model.DecodeBudgetLease(raw), nil
}

// Store persists the lease with TTL = the lease's own ttlSeconds.
func (r *LeaseRepo) Store(ctx context.Context, lease *model.BudgetLease) error {
	ttl := time.Duration(lease.TtlSeconds) * time.Second
	if ttl <= 0 {
		return fmt.Errorf("store lease %s/%s/%s: non-positive ttl %d",
			lease.EntityType, lease.EntityID, lease.Window, lease.TtlSeconds)
	}

	key := leaseKey(lease.EntityType, lease.EntityID, lease.Window)
	if err := r.cache.Set(ctx, key, lease, ttl); err != nil {
		return fmt.Errorf("store lease %s: %w", key, err)
	}
	return nil
}

// Drop discards a lease record so the next access forces a fresh snapshot.
func (r *LeaseRepo) Drop(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow) error {
	return r.cache.Delete(ctx, leaseKey(entityType, entityID, window))
}
