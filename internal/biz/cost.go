package biz

import (
	"context"
	"fmt"
	"time"

	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// CostUseCase maintains per-entity rolling spend sums. Every access first
// evicts samples older than the window, so reads are accurate even when no
// write has happened in a while. The same primitive serves key, user, and
// provider scopes; window length is derived from the lease window.
type CostUseCase struct {
	repo   CostWindowRepo
	logger *log.Helper
}

// NewCostUseCase creates a new rolling cost window use case.
func NewCostUseCase(repo CostWindowRepo, logger log.Logger) *CostUseCase {
	return &CostUseCase{
		repo:   repo,
		logger: log.NewHelper(logger),
	}
}

// WindowLength maps a lease window to its rolling span. Fixed-reset windows
// still accumulate over the full rolling span; their reset semantics live in
// the lease ttl, not here.
func WindowLength(window model.LeaseWindow) time.Duration {
	switch window {
	case model.WindowFiveHour:
		return 5 * time.Hour
	case model.WindowDaily:
		return 24 * time.Hour
	case model.WindowWeekly:
		return 7 * 24 * time.Hour
	case model.WindowMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Track appends a cost sample and returns the new window total. The store
// error propagates: callers on the response-completion path run this through
// the background worker and log it there.
func (uc *CostUseCase) Track(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow, cost float64, requestID string) (float64, error) {
	if entityID == "" {
		return 0, fmt.Errorf("cost track: entity id is required")
	}

	total, err := uc.repo.Append(ctx, entityType, entityID, window, WindowLength(window), cost, time.Now(), requestID)
	if err != nil {
		return 0, fmt.Errorf("track cost for %s:%s: %w", entityType, entityID, err)
	}
	return total, nil
}

// Read returns the current window total. Diagnostic read path: a store error
// fails open with a zero total rather than failing the caller.
func (uc *CostUseCase) Read(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow) float64 {
	total, err := uc.repo.Sum(ctx, entityType, entityID, window, WindowLength(window), time.Now())
	if err != nil {
		uc.logger.Warnf("cost read for %s:%s failed: %v (returning 0)", entityType, entityID, err)
		return 0
	}
	return total
}
