package biz

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"RelayGuard/internal/conf"
	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// LeaseUseCase grants each instance a locally decrementable slice of the
// remaining budget per (entity, window), so a proxied request charges spend
// without any shared-store round trip. Leases are refreshed from periodic
// usage snapshots; a few leases overspending slightly is the designed
// trade-off for a zero-latency hot path.
type LeaseUseCase struct {
	leases   LeaseRepo
	policies LimitPolicySource
	costs    CostWindowRepo
	webhook  WebhookService
	worker   *Background
	logger   *log.Helper

	percent float64
	capUsd  float64

	mu        sync.Mutex
	held      map[string]*model.BudgetLease
	exhausted map[string]bool
}

// DecrementResult is the outcome of one local lease charge.
type DecrementResult struct {
	Success      bool
	NewRemaining float64
}

// NewLeaseUseCase creates a new quota lease use case.
func NewLeaseUseCase(c *conf.Gateway, leases LeaseRepo, policies LimitPolicySource, costs CostWindowRepo, webhook WebhookService, worker *Background, logger log.Logger) *LeaseUseCase {
	uc := &LeaseUseCase{
		leases:    leases,
		policies:  policies,
		costs:     costs,
		webhook:   webhook,
		worker:    worker,
		logger:    log.NewHelper(logger),
		percent:   0.05,
		capUsd:    0,
		held:      make(map[string]*model.BudgetLease),
		exhausted: make(map[string]bool),
	}
	if c != nil && c.Lease != nil {
		if c.Lease.Percent > 0 {
			uc.percent = c.Lease.Percent
		}
		uc.capUsd = c.Lease.CapUsd
	}
	return uc
}

func leaseKey(entityType model.EntityType, entityID string, window model.LeaseWindow) string {
	return string(entityType) + ":" + entityID + ":" + string(window)
}

func roundTo4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// ComputeSlice computes the locally spendable budget slice:
// clamp(min(percent * limit, limit - usage, cap), 0, +inf), rounded to four
// decimal places. A capUsd <= 0 means uncapped. Usage at or above the limit
// yields zero.
func ComputeSlice(limitAmount, currentUsage, percent, capUsd float64) float64 {
	if currentUsage >= limitAmount {
		return 0
	}
	slice := percent * limitAmount
	if remaining := limitAmount - currentUsage; remaining < slice {
		slice = remaining
	}
	if capUsd > 0 && capUsd < slice {
		slice = capUsd
	}
	if slice < 0 {
		return 0
	}
	return roundTo4(slice)
}

// leaseExpiry returns the lease ttl in seconds and, for fixed-reset windows,
// the reset instant in unix ms. Rolling windows carry their own span as ttl;
// fixed windows expire at the next natural boundary (UTC).
func leaseExpiry(window model.LeaseWindow, resetMode model.ResetMode, now time.Time) (ttlSeconds int64, resetTimeMs int64) {
	switch window {
	case model.WindowFiveHour:
		return int64((5 * time.Hour).Seconds()), 0
	case model.WindowDaily:
		if resetMode == model.ResetFixed {
			next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
			return int64(next.Sub(now).Seconds()), next.UnixMilli()
		}
		return int64((24 * time.Hour).Seconds()), 0
	case model.WindowWeekly:
		next := nextWeekBoundary(now)
		return int64(next.Sub(now).Seconds()), next.UnixMilli()
	case model.WindowMonthly:
		next := nextMonthBoundary(now)
		return int64(next.Sub(now).Seconds()), next.UnixMilli()
	default:
		return int64((24 * time.Hour).Seconds()), 0
	}
}

// nextWeekBoundary returns the upcoming Monday 00:00 UTC.
func nextWeekBoundary(now time.Time) time.Time {
	t := now.UTC()
	day := t.Truncate(24 * time.Hour)
	daysUntilMonday := (int(time.Monday) - int(day.Weekday()) + 7) % 7
	if daysUntilMonday == 0 {
		daysUntilMonday = 7
	}
	return day.AddDate(0, 0, daysUntilMonday)
}

// nextMonthBoundary returns the first of the next month, 00:00 UTC.
func nextMonthBoundary(now time.Time) time.Time {
	t := now.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// buildLease takes a fresh usage snapshot for one policy and computes its
// spendable slice.
func (uc *LeaseUseCase) buildLease(ctx context.Context, p *model.SpendLimitPolicy, now time.Time) (*model.BudgetLease, error) {
	usage, err := uc.costs.Sum(ctx, p.EntityType, p.EntityID, p.Window, WindowLength(p.Window), now)
	if err != nil {
		return nil, fmt.Errorf("usage snapshot for %s:%s: %w", p.EntityType, p.EntityID, err)
	}

	percent := uc.percent
	if p.LeasePercent > 0 {
		percent = p.LeasePercent
	}
	capUsd := uc.capUsd
	if p.LeaseCapUsd > 0 {
		capUsd = p.LeaseCapUsd
	}

	ttlSeconds, resetTimeMs := leaseExpiry(p.Window, p.ResetMode, now)
	return &model.BudgetLease{
		EntityType:      p.EntityType,
		EntityID:        p.EntityID,
		Window:          p.Window,
		ResetMode:       p.ResetMode,
		ResetTime:       resetTimeMs,
		SnapshotAtMs:    now.UnixMilli(),
		CurrentUsage:    usage,
		LimitAmount:     p.LimitAmount,
		RemainingBudget: ComputeSlice(p.LimitAmount, usage, percent, capUsd),
		TtlSeconds:      ttlSeconds,
	}, nil
}

// refreshLease fetches the policy, takes a usage snapshot, stores the lease
// record, and installs it locally. Returns nil when no limit is configured.
func (uc *LeaseUseCase) refreshLease(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow) (*model.BudgetLease, error) {
	policy, err := uc.policies.GetLimitPolicy(ctx, entityType, entityID, window)
	if err != nil {
		return nil, fmt.Errorf("limit policy for %s:%s: %w", entityType, entityID, err)
	}
	if policy == nil {
		return nil, nil
	}

	lease, err := uc.buildLease(ctx, policy, time.Now())
	if err != nil {
		return nil, err
	}

	if err := uc.leases.Store(ctx, lease); err != nil {
		// The local slice is still usable; the shared record is only a
		// warm-start hint for other instances.
		uc.logger.Warnf("lease store for %s failed: %v", leaseKey(entityType, entityID, window), err)
	}

	key := leaseKey(entityType, entityID, window)
	uc.mu.Lock()
	uc.held[key] = lease
	delete(uc.exhausted, key)
	uc.mu.Unlock()
	return lease, nil
}

// currentLease returns the locally held lease if it is still within its ttl.
func (uc *LeaseUseCase) currentLease(key string, nowMs int64) *model.BudgetLease {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	lease, ok := uc.held[key]
	if !ok {
		return nil
	}
	if lease.ExpiredAt(nowMs) {
		delete(uc.held, key)
		return nil
	}
	return lease
}

// Decrement charges amount against the locally held lease. No shared-store
// round trip: an expired or missing lease triggers a fresh snapshot fetch,
// after which the charge applies to the new slice. Callers reach this
// through the background worker, never on the response path; any error here
// is logged and dropped by the submitter.
func (uc *LeaseUseCase) Decrement(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow, amount float64) (*DecrementResult, error) {
	if amount < 0 {
		return nil, fmt.Errorf("lease decrement: negative amount %f", amount)
	}
	key := leaseKey(entityType, entityID, window)

	lease := uc.currentLease(key, time.Now().UnixMilli())
	if lease == nil {
		var err error
		lease, err = uc.refreshLease(ctx, entityType, entityID, window)
		if err != nil {
			return nil, err
		}
		if lease == nil {
			// No limit configured: unlimited spend.
			return &DecrementResult{Success: true, NewRemaining: math.Inf(1)}, nil
		}
	}

	uc.mu.Lock()
	remaining := lease.RemainingBudget - amount
	if remaining < 0 {
		remaining = 0
	}
	remaining = roundTo4(remaining)
	success := lease.RemainingBudget >= amount
	lease.RemainingBudget = remaining
	notify := remaining == 0 && !uc.exhausted[key]
	if notify {
		uc.exhausted[key] = true
	}
	uc.mu.Unlock()

	if notify {
		event := &model.LeaseExhaustedEvent{
			EntityType:  entityType,
			EntityID:    entityID,
			Window:      window,
			LimitAmount: lease.LimitAmount,
			OccurredAt:  time.Now(),
		}
		uc.worker.Submit("lease.notify_exhausted", func(ctx context.Context) {
			if err := uc.webhook.NotifyLeaseExhausted(ctx, event); err != nil {
				uc.logger.Warnf("lease exhausted notification failed: %v", err)
			}
		})
	}

	return &DecrementResult{Success: success, NewRemaining: remaining}, nil
}

// Remaining returns the locally held remaining slice for diagnostics, or a
// negative value when no lease is held.
func (uc *LeaseUseCase) Remaining(entityType model.EntityType, entityID string, window model.LeaseWindow) float64 {
	lease := uc.currentLease(leaseKey(entityType, entityID, window), time.Now().UnixMilli())
	if lease == nil {
		return -1
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return lease.RemainingBudget
}

// RefreshAll re-snapshots every configured spend limit. Called from the
// periodic refresh job.
func (uc *LeaseUseCase) RefreshAll(ctx context.Context) (int, error) {
	policies, err := uc.policies.ListLimitPolicies(ctx)
	if err != nil {
		return 0, fmt.Errorf("list limit policies: %w", err)
	}

	refreshed := 0
	for _, p := range policies {
		if _, err := uc.refreshLease(ctx, p.EntityType, p.EntityID, p.Window); err != nil {
			uc.logger.Warnf("lease refresh for %s failed: %v",
				leaseKey(p.EntityType, p.EntityID, p.Window), err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// LoadShared returns the shared-store lease record for one entity/window.
// Used by the diagnostics surface; a missing or undecodable record is nil.
func (uc *LeaseUseCase) LoadShared(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow) (*model.BudgetLease, error) {
	return uc.leases.Load(ctx, entityType, entityID, window)
}
