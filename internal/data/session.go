package data

import (
	"context"
	"fmt"
	"time"

	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// SessionRepo implements biz.SessionRepo on top of the atomic counter store.
// Following Kratos v2 DDD architecture, the interface is defined in the biz
// layer.
type SessionRepo struct {
	store  *AtomicCounterStore
	rdb    *redis.Client
	logger *log.Helper
}

// NewSessionRepo creates a new concurrency session repository.
func NewSessionRepo(store *AtomicCounterStore, rdb *redis.Client, logger log.Logger) *SessionRepo {
	return &SessionRepo{
		store:  store,
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

// Admit runs the multi-scope atomic check-and-track for sessionID.
// Scopes must be ordered narrowest first (key before user before provider
// before global); the first scope whose limit is unmet rejects.
func (r *SessionRepo) Admit(ctx context.Context, scopes []model.ScopeSpec, sessionID string, now time.Time, ttl time.Duration) (*model.AdmissionDecision, error) {
	return r.store.AdmitScopes(ctx, scopes, sessionID, now, ttl)
}

// Remove deletes sessionID from the named scope windows. Used on request
// completion or termination; the removals are pipelined, not atomic, because
// a missed removal is bounded by the window's own TTL eviction.
func (r *SessionRepo) Remove(ctx context.Context, scopes []model.ScopeSpec, sessionID string) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}

	pipe := r.rdb.Pipeline()
	for _, sc := range scopes {
		pipe.ZRem(ctx, SessionWindowKey(sc.Scope, sc.ID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove session %s: %w", sessionID, err)
	}
	return nil
}

// Count returns the surviving member count of one scope window after
// evicting entries older than now-ttl.
func (r *SessionRepo) Count(ctx context.Context, scope model.ScopeType, id string, now time.Time, ttl time.Duration) (int64, error) {
	return r.store.CleanupAndCount(ctx, SessionWindowKey(scope, id), now, ttl)
}
