package biz

import (
	"context"
	"time"

	"RelayGuard/internal/model"
)

// BreakerStateRepo defines the shared-store operations for breaker health
// records. The shared store is the source of truth; per-instance caches must
// reconcile against it on every read. Implementation is in data
// (data.BreakerStateRepo).
type BreakerStateRepo interface {
	// Get loads one record; a missing record returns (nil, nil).
	Get(ctx context.Context, scope model.BreakerScope, id int64) (*model.BreakerHealth, error)

	// GetMany loads a batch in one round trip; ids with no stored record map
	// to a nil value.
	GetMany(ctx context.Context, scope model.BreakerScope, ids []int64) (map[int64]*model.BreakerHealth, error)

	// Put stores a record with the given TTL.
	Put(ctx context.Context, scope model.BreakerScope, id int64, h *model.BreakerHealth, ttl time.Duration) error

	// Delete removes a record, resetting the shared view to closed.
	Delete(ctx context.Context, scope model.BreakerScope, id int64) error

	// PublishInvalidation broadcasts a config invalidation for the entities.
	PublishInvalidation(ctx context.Context, scope model.BreakerScope, ids []int64) error

	// SubscribeInvalidations delivers invalidation notifications to handler
	// until ctx is cancelled. The returned function closes the subscription.
	SubscribeInvalidations(ctx context.Context, handler func(scope model.BreakerScope, ids []int64)) (func(), error)
}

// BreakerConfigSource provides breaker configuration from the catalog.
// A missing row returns (nil, nil); callers fall back to defaults.
type BreakerConfigSource interface {
	GetProviderBreakerConfig(ctx context.Context, providerID int64) (*model.BreakerConfig, error)
	GetEndpointBreakerConfig(ctx context.Context, endpointID int64) (*model.BreakerConfig, error)
}
