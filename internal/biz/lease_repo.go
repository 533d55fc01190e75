package biz

import (
	"context"

	"RelayGuard/internal/model"
)

// LeaseRepo defines the shared-store operations for budget lease records.
// Implementation is in data (data.LeaseRepo).
type LeaseRepo interface {
	// Load returns the stored lease, or nil when absent or undecodable.
	Load(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow) (*model.BudgetLease, error)

	// Store persists the lease with TTL equal to its own ttlSeconds.
	Store(ctx context.Context, lease *model.BudgetLease) error

	// Drop discards a lease record.
	Drop(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow) error
}

// LimitPolicySource provides configured spend limits from the catalog.
type LimitPolicySource interface {
	// GetLimitPolicy returns the limit row for one (entity, window), or
	// (nil, nil) when no limit is configured.
	GetLimitPolicy(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow) (*model.SpendLimitPolicy, error)

	// ListLimitPolicies returns every configured spend limit.
	ListLimitPolicies(ctx context.Context) ([]*model.SpendLimitPolicy, error)
}
