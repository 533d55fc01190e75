package biz

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"RelayGuard/internal/conf"
	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// BreakerUseCase implements the provider and endpoint circuit breakers: a
// failure-count state machine whose records live in the shared store, with a
// per-instance write-through cache. The shared store is the source of truth;
// every read reconciles against it, so an external reset or another
// instance's transition is picked up immediately.
type BreakerUseCase struct {
	states  BreakerStateRepo
	configs BreakerConfigSource
	webhook WebhookService
	audit   AuditSink
	worker  *Background
	logger  *log.Helper

	configTTL time.Duration
	stateTTL  time.Duration
	defaults  model.BreakerConfig

	// Per-instance caches. configCache holds catalog breaker configuration;
	// health mirrors the last known shared-store record per breaker.
	configCache *expirable.LRU[string, *model.BreakerConfig]
	fetchGroup  singleflight.Group

	mu         sync.RWMutex
	health     map[string]*model.BreakerHealth
	generation map[string]uint64

	unsubscribe func()
}

const breakerConfigCacheSize = 4096

// NewBreakerUseCase creates a new circuit breaker use case.
func NewBreakerUseCase(c *conf.Gateway, states BreakerStateRepo, configs BreakerConfigSource, webhook WebhookService, audit AuditSink, worker *Background, logger log.Logger) *BreakerUseCase {
	uc := &BreakerUseCase{
		states:     states,
		configs:    configs,
		webhook:    webhook,
		audit:      audit,
		worker:     worker,
		logger:     log.NewHelper(logger),
		configTTL:  5 * time.Minute,
		stateTTL:   24 * time.Hour,
		health:     make(map[string]*model.BreakerHealth),
		generation: make(map[string]uint64),
		defaults: model.BreakerConfig{
			FailureThreshold:         5,
			OpenDuration:             5 * time.Minute,
			HalfOpenSuccessThreshold: 3,
		},
	}
	if c != nil && c.Breaker != nil {
		if c.Breaker.ConfigTtl != nil {
			uc.configTTL = c.Breaker.ConfigTtl.AsDuration()
		}
		if c.Breaker.StateTtl != nil {
			uc.stateTTL = c.Breaker.StateTtl.AsDuration()
		}
		if c.Breaker.DefaultFailureThreshold > 0 {
			uc.defaults.FailureThreshold = c.Breaker.DefaultFailureThreshold
		}
		if c.Breaker.DefaultOpenDuration != nil {
			uc.defaults.OpenDuration = c.Breaker.DefaultOpenDuration.AsDuration()
		}
		if c.Breaker.DefaultHalfOpenSuccessThreshold > 0 {
			uc.defaults.HalfOpenSuccessThreshold = c.Breaker.DefaultHalfOpenSuccessThreshold
		}
	}
	uc.configCache = expirable.NewLRU[string, *model.BreakerConfig](breakerConfigCacheSize, nil, uc.configTTL)
	return uc
}

// Start subscribes to the config invalidation channel. Safe to skip in tests
// that do not exercise invalidation.
func (uc *BreakerUseCase) Start(ctx context.Context) error {
	unsub, err := uc.states.SubscribeInvalidations(ctx, uc.onInvalidate)
	if err != nil {
		return fmt.Errorf("subscribe breaker invalidations: %w", err)
	}
	uc.unsubscribe = unsub
	return nil
}

// Stop closes the invalidation subscription.
func (uc *BreakerUseCase) Stop() {
	if uc.unsubscribe != nil {
		uc.unsubscribe()
		uc.unsubscribe = nil
	}
}

func breakerCacheKey(scope model.BreakerScope, id int64) string {
	return string(scope) + ":" + strconv.FormatInt(id, 10)
}

// recordAudit emits one state-transition audit event, best-effort. A nil
// sink is tolerated so tests can skip the audit trail.
func (uc *BreakerUseCase) recordAudit(ctx context.Context, eventType string, scope model.BreakerScope, id int64, detail string) {
	if uc.audit == nil {
		return
	}
	uc.audit.Record(ctx, &model.AuditEvent{
		EventType: eventType,
		Scope:     scope,
		TargetID:  id,
		Detail:    detail,
		At:        time.Now(),
	})
}

// onInvalidate drops the cached configuration for the named entities. The
// generation bump makes any fetch already in flight discard its (now stale)
// result instead of populating the cache with it.
func (uc *BreakerUseCase) onInvalidate(scope model.BreakerScope, ids []int64) {
	uc.mu.Lock()
	for _, id := range ids {
		key := breakerCacheKey(scope, id)
		uc.generation[key]++
		uc.configCache.Remove(key)
	}
	uc.mu.Unlock()
	uc.logger.Infow("breaker config invalidated", "scope", scope, "count", len(ids))
}

// InvalidateConfig drops local cached configuration and broadcasts the
// invalidation to every other instance.
func (uc *BreakerUseCase) InvalidateConfig(ctx context.Context, scope model.BreakerScope, ids []int64) error {
	uc.onInvalidate(scope, ids)
	return uc.states.PublishInvalidation(ctx, scope, ids)
}

func (uc *BreakerUseCase) currentGeneration(key string) uint64 {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.generation[key]
}

// getConfig returns the breaker configuration for one entity, from the local
// cache when fresh. Concurrent cache misses for the same entity share one
// outstanding catalog fetch. A fetch failure falls back to the configured
// defaults without caching them, so the next access retries.
func (uc *BreakerUseCase) getConfig(ctx context.Context, scope model.BreakerScope, id int64) *model.BreakerConfig {
	key := breakerCacheKey(scope, id)
	if cfg, ok := uc.configCache.Get(key); ok {
		return cfg
	}

	gen := uc.currentGeneration(key)
	v, err, _ := uc.fetchGroup.Do(key, func() (interface{}, error) {
		var cfg *model.BreakerConfig
		var err error
		switch scope {
		case model.BreakerScopeEndpoint:
			cfg, err = uc.configs.GetEndpointBreakerConfig(ctx, id)
		default:
			cfg, err = uc.configs.GetProviderBreakerConfig(ctx, id)
		}
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			d := uc.defaults
			cfg = &d
		}
		return cfg, nil
	})
	if err != nil {
		uc.logger.Warnf("breaker config fetch for %s failed: %v (using defaults)", key, err)
		d := uc.defaults
		return &d
	}

	cfg := v.(*model.BreakerConfig)
	uc.mu.Lock()
	if uc.generation[key] == gen {
		uc.configCache.Add(key, cfg)
	}
	uc.mu.Unlock()
	return cfg
}

func (uc *BreakerUseCase) rememberHealth(key string, h *model.BreakerHealth) {
	uc.mu.Lock()
	uc.health[key] = h
	uc.mu.Unlock()
}

func (uc *BreakerUseCase) forgetHealth(key string) {
	uc.mu.Lock()
	delete(uc.health, key)
	uc.mu.Unlock()
}

func (uc *BreakerUseCase) localHealth(key string) *model.BreakerHealth {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.health[key]
}

// normalizeDisabled force-resets any stored non-closed state left over from
// a previous non-zero threshold. Write goes to the shared store first.
func (uc *BreakerUseCase) normalizeDisabled(ctx context.Context, scope model.BreakerScope, id int64, h *model.BreakerHealth) {
	if h == nil || (h.CircuitState == model.CircuitClosed && h.FailureCount == 0) {
		return
	}
	key := breakerCacheKey(scope, id)
	closed := model.NewClosedHealth()
	if err := uc.states.Put(ctx, scope, id, closed, uc.stateTTL); err != nil {
		uc.logger.Warnf("breaker %s: failed to normalize disabled state: %v", key, err)
		return
	}
	uc.rememberHealth(key, closed)
	uc.logger.Infow("breaker state normalized to closed (breaker disabled)",
		"scope", scope, "entity_id", id)
}

// IsOpen reports whether traffic to the entity is currently rejected. The
// open → half-open transition is evaluated lazily here: once the cooldown
// has elapsed, the breaker moves to half-open and this caller is let
// through to probe recovery. Store errors fail open.
func (uc *BreakerUseCase) IsOpen(ctx context.Context, scope model.BreakerScope, id int64) bool {
	cfg := uc.getConfig(ctx, scope, id)

	key := breakerCacheKey(scope, id)
	h, err := uc.states.Get(ctx, scope, id)
	if err != nil {
		uc.logger.Warnf("breaker %s: state read failed: %v (treating as closed)", key, err)
		return false
	}

	if cfg.Disabled() {
		uc.normalizeDisabled(ctx, scope, id, h)
		return false
	}

	if h == nil {
		uc.forgetHealth(key)
		return false
	}
	uc.rememberHealth(key, h)

	if h.CircuitState != model.CircuitOpen {
		return false
	}

	now := time.Now()
	if h.CircuitOpenUntil != nil && now.After(*h.CircuitOpenUntil) {
		h.CircuitState = model.CircuitHalfOpen
		h.HalfOpenSuccessCount = 0
		if err := uc.states.Put(ctx, scope, id, h, uc.stateTTL); err != nil {
			uc.logger.Warnf("breaker %s: half-open transition write failed: %v", key, err)
		}
		uc.rememberHealth(key, h)
		uc.logger.Infow("circuit breaker half-open", "scope", scope, "entity_id", id)
		uc.recordAudit(ctx, model.AuditEventBreakerHalfOpen, scope, id, "cooldown elapsed, allowing trial request")
		return false
	}
	return true
}

// RecordFailure feeds one upstream failure into the state machine.
func (uc *BreakerUseCase) RecordFailure(ctx context.Context, scope model.BreakerScope, id int64) {
	cfg := uc.getConfig(ctx, scope, id)
	key := breakerCacheKey(scope, id)

	h, err := uc.states.Get(ctx, scope, id)
	if err != nil {
		uc.logger.Warnf("breaker %s: state read failed on failure record: %v", key, err)
		return
	}

	if cfg.Disabled() {
		uc.normalizeDisabled(ctx, scope, id, h)
		return
	}
	if h == nil {
		h = model.NewClosedHealth()
	}

	now := time.Now()
	h.LastFailureTime = &now
	opened := false

	switch h.CircuitState {
	case model.CircuitOpen:
		// Already open: count the failure but never move CircuitOpenUntil
		// forward, or a trickle of failures could hold the circuit open
		// indefinitely.
		h.FailureCount++
	case model.CircuitHalfOpen:
		// A failure during trial traffic reopens immediately.
		h.FailureCount++
		h.HalfOpenSuccessCount = 0
		h.CircuitState = model.CircuitOpen
		until := now.Add(cfg.OpenDuration)
		h.CircuitOpenUntil = &until
		opened = true
	default:
		h.FailureCount++
		if h.FailureCount >= cfg.FailureThreshold {
			h.CircuitState = model.CircuitOpen
			until := now.Add(cfg.OpenDuration)
			h.CircuitOpenUntil = &until
			opened = true
		}
	}

	if err := uc.states.Put(ctx, scope, id, h, uc.stateTTL); err != nil {
		uc.logger.Errorf("breaker %s: state write failed on failure record: %v", key, err)
		return
	}
	uc.rememberHealth(key, h)

	if opened {
		uc.logger.Warnw("circuit breaker opened",
			"scope", scope,
			"entity_id", id,
			"failure_count", h.FailureCount,
			"open_until", h.CircuitOpenUntil)
		uc.recordAudit(ctx, model.AuditEventBreakerOpened, scope, id,
			fmt.Sprintf("failure_count=%d open_until=%s", h.FailureCount, h.CircuitOpenUntil.Format(time.RFC3339)))
		event := &model.BreakerOpenedEvent{
			Scope:        scope,
			EntityID:     strconv.FormatInt(id, 10),
			FailureCount: h.FailureCount,
			OpenUntil:    *h.CircuitOpenUntil,
			OpenedAt:     now,
		}
		uc.worker.Submit("breaker.notify_opened", func(ctx context.Context) {
			if err := uc.webhook.NotifyBreakerOpened(ctx, event); err != nil {
				uc.logger.Warnf("breaker opened notification failed: %v", err)
			}
		})
	}
}

// RecordSuccess feeds one upstream success into the state machine. In the
// closed state a success resets the failure count, so only consecutive
// recent failures ever open the circuit.
func (uc *BreakerUseCase) RecordSuccess(ctx context.Context, scope model.BreakerScope, id int64) {
	cfg := uc.getConfig(ctx, scope, id)
	key := breakerCacheKey(scope, id)

	h, err := uc.states.Get(ctx, scope, id)
	if err != nil {
		uc.logger.Warnf("breaker %s: state read failed on success record: %v", key, err)
		return
	}

	if cfg.Disabled() {
		uc.normalizeDisabled(ctx, scope, id, h)
		return
	}
	if h == nil {
		return
	}

	switch h.CircuitState {
	case model.CircuitHalfOpen:
		h.HalfOpenSuccessCount++
		recovered := h.HalfOpenSuccessCount >= cfg.HalfOpenSuccessThreshold
		if recovered {
			h = model.NewClosedHealth()
		}
		if err := uc.states.Put(ctx, scope, id, h, uc.stateTTL); err != nil {
			uc.logger.Errorf("breaker %s: state write failed on success record: %v", key, err)
			return
		}
		uc.rememberHealth(key, h)
		if recovered {
			uc.logger.Infow("circuit breaker recovered", "scope", scope, "entity_id", id)
			uc.recordAudit(ctx, model.AuditEventBreakerRecovered, scope, id,
				fmt.Sprintf("half_open_successes=%d", cfg.HalfOpenSuccessThreshold))
			event := &model.BreakerRecoveredEvent{
				Scope:        scope,
				EntityID:     strconv.FormatInt(id, 10),
				SuccessCount: cfg.HalfOpenSuccessThreshold,
				RecoveredAt:  time.Now(),
			}
			uc.worker.Submit("breaker.notify_recovered", func(ctx context.Context) {
				if err := uc.webhook.NotifyBreakerRecovered(ctx, event); err != nil {
					uc.logger.Warnf("breaker recovered notification failed: %v", err)
				}
			})
		}
	case model.CircuitClosed:
		if h.FailureCount == 0 {
			return
		}
		h.FailureCount = 0
		h.LastFailureTime = nil
		if err := uc.states.Put(ctx, scope, id, h, uc.stateTTL); err != nil {
			uc.logger.Warnf("breaker %s: failure-count reset write failed: %v", key, err)
			return
		}
		uc.rememberHealth(key, h)
	default:
		// Success while open: no transition. Recovery goes through the
		// half-open trial initiated by IsOpen.
	}
}

// Reset removes the stored state, returning the breaker to closed everywhere.
func (uc *BreakerUseCase) Reset(ctx context.Context, scope model.BreakerScope, id int64) error {
	key := breakerCacheKey(scope, id)
	if err := uc.states.Delete(ctx, scope, id); err != nil {
		return fmt.Errorf("reset breaker %s: %w", key, err)
	}
	uc.forgetHealth(key)
	uc.recordAudit(ctx, model.AuditEventBreakerReset, scope, id, "manual reset")
	return nil
}

// GetAllHealth returns the current health record per id, merging the shared
// store's view with the local cache. When the store has no record for an id
// the local cache believes is non-closed, that is an authoritative reset:
// the stale local state is replaced with closed. On a store error the local
// snapshot is served as a degraded fallback unless forceRefresh is set.
func (uc *BreakerUseCase) GetAllHealth(ctx context.Context, scope model.BreakerScope, ids []int64, forceRefresh bool) (map[int64]*model.BreakerHealth, error) {
	out := make(map[int64]*model.BreakerHealth, len(ids))

	stored, err := uc.states.GetMany(ctx, scope, ids)
	if err != nil {
		if forceRefresh {
			return nil, fmt.Errorf("get breaker health: %w", err)
		}
		uc.logger.Warnf("breaker health batch read failed: %v (serving local cache)", err)
		for _, id := range ids {
			if h := uc.localHealth(breakerCacheKey(scope, id)); h != nil {
				out[id] = h
			} else {
				out[id] = model.NewClosedHealth()
			}
		}
		return out, nil
	}

	for _, id := range ids {
		key := breakerCacheKey(scope, id)
		if h := stored[id]; h != nil {
			uc.rememberHealth(key, h)
			out[id] = h
			continue
		}
		uc.forgetHealth(key)
		out[id] = model.NewClosedHealth()
	}
	return out, nil
}
