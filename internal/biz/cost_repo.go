package biz

import (
	"context"
	"time"

	"RelayGuard/internal/model"
)

// CostWindowRepo defines the shared-store operations for per-entity rolling
// spend windows. Implementation is in data (data.CostWindowRepo).
type CostWindowRepo interface {
	// Append records a cost sample and returns the surviving window total.
	Append(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow, windowLen time.Duration, cost float64, now time.Time, requestID string) (float64, error)

	// Sum evicts stale samples and returns the current window total.
	Sum(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow, windowLen time.Duration, now time.Time) (float64, error)
}
