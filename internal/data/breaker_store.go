package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// BreakerStateRepo persists circuit-breaker health records in Redis and
// broadcasts configuration invalidations over pub/sub. Redis is the
// authoritative view; per-instance caches reconcile against it on read.
type BreakerStateRepo struct {
	rdb     *redis.Client
	channel string
	logger  *log.Helper
}

// NewBreakerStateRepo creates a new breaker state repository.
// channel is the pub/sub channel used for config invalidation broadcasts.
func NewBreakerStateRepo(rdb *redis.Client, channel string, logger log.Logger) *BreakerStateRepo {
	return &BreakerStateRepo{
		rdb:     rdb,
		channel: channel,
		logger:  log.NewHelper(logger),
	}
}

// breakerKey builds the shared-store key for one breaker record.
// Format: breaker:{scope}:{id}, e.g. breaker:provider:42 or breaker:endpoint:7.
func breakerKey(scope model.BreakerScope, id int64) string {
	return fmt.Sprintf("breaker:%s:%d", scope, id)
}

// Get loads one breaker health record. A missing record returns (nil, nil):
// absence means "closed" and is meaningful to the caller.
func (r *BreakerStateRepo) Get(ctx context.Context, scope model.BreakerScope, id int64) (*model.BreakerHealth, error) {
	if r.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	raw, err := r.rdb.Get(ctx, breakerKey(scope, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get breaker %s/%d: %w", scope, id, err)
	}

	var h model.BreakerHealth
	if err := json.Unmarshal(raw, &h); err != nil {
		// A corrupt record is treated as absent; the next write replaces it.
		r.logger.Warnw("discarding corrupt breaker record",
			"scope", scope, "id", id, "error", err)
		return nil, nil
	}
	return &h, nil
}

// GetMany loads breaker records for a batch of ids in one MGET round trip.
// Ids with no stored record are present in the result map with a nil value,
// so the caller can distinguish "no state" from "not asked".
func (r *BreakerStateRepo) GetMany(ctx context.Context, scope model.BreakerScope, ids []int64) (map[int64]*model.BreakerHealth, error) {
	if r.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if len(ids) == 0 {
		return map[int64]*model.BreakerHealth{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = breakerKey(scope, id)
	}

	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget breakers %s: %w", scope, err)
	}

	out := make(map[int64]*model.BreakerHealth, len(ids))
	for i, id := range ids {
		out[id] = nil
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		var h model.BreakerHealth
		if err := json.Unmarshal([]byte(s), &h); err != nil {
			r.logger.Warnw("discarding corrupt breaker record",
				"scope", scope, "id", id, "error", err)
			continue
		}
		out[id] = &h
	}
	return out, nil
}

// Put stores a breaker health record with the given TTL. The TTL is generous
// relative to any open duration; it only bounds abandoned records.
func (r *BreakerStateRepo) Put(ctx context.Context, scope model.BreakerScope, id int64, h *model.BreakerHealth, ttl time.Duration) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}

	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal breaker %s/%d: %w", scope, id, err)
	}
	if err := r.rdb.Set(ctx, breakerKey(scope, id), raw, ttl).Err(); err != nil {
		return fmt.Errorf("put breaker %s/%d: %w", scope, id, err)
	}
	return nil
}

// Delete removes a breaker record, resetting the shared view to closed.
func (r *BreakerStateRepo) Delete(ctx context.Context, scope model.BreakerScope, id int64) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.rdb.Del(ctx, breakerKey(scope, id)).Err(); err != nil {
		return fmt.Errorf("delete breaker %s/%d: %w", scope, id, err)
	}
	return nil
}

// invalidationMessage is the pub/sub payload for config invalidations.
// The field names are shared wire format across gateway instances.
type invalidationMessage struct {
	ProviderIDs []int64 `json:"providerIds,omitempty"`
	EndpointIDs []int64 `json:"endpointIds,omitempty"`
}

// PublishInvalidation broadcasts that the breaker configuration for the given
// entities changed, so every instance drops its cached copy.
func (r *BreakerStateRepo) PublishInvalidation(ctx context.Context, scope model.BreakerScope, ids []int64) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}

	var msg invalidationMessage
	switch scope {
	case model.BreakerScopeEndpoint:
		msg.EndpointIDs = ids
	default:
		msg.ProviderIDs = ids
	}

	raw, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// SubscribeInvalidations delivers invalidation notifications to handler until
// ctx is cancelled. Malformed payloads are logged and skipped; the
// subscription itself is re-established by go-redis on connection loss.
// The returned function closes the subscription.
func (r *BreakerStateRepo) SubscribeInvalidations(ctx context.Context, handler func(scope model.BreakerScope, ids []int64)) (func(), error) {
	if r.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	sub := r.rdb.Subscribe(ctx, r.channel)
	// Force the subscription to be established before returning so callers
	// cannot miss notifications published right after this call.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg invalidationMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					r.logger.Warnw("ignoring malformed invalidation payload",
						"channel", r.channel, "error", err)
					continue
				}
				if len(msg.ProviderIDs) > 0 {
					handler(model.BreakerScopeProvider, msg.ProviderIDs)
				}
				if len(msg.EndpointIDs) > 0 {
					handler(model.BreakerScopeEndpoint, msg.EndpointIDs)
				}
			}
		}
	}()

	return func() { _ = sub.Close() }, nil
}
