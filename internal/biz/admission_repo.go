package biz

import (
	"context"
	"time"

	"RelayGuard/internal/model"
)

// SessionRepo defines the shared-store operations for concurrency session
// windows. Following Kratos v2 DDD architecture, interfaces are defined in
// the biz layer; the implementation is in data (data.SessionRepo).
type SessionRepo interface {
	// Admit runs the atomic multi-scope check-and-track. Scopes must be
	// ordered narrowest first; a rejection mutates no window.
	Admit(ctx context.Context, scopes []model.ScopeSpec, sessionID string, now time.Time, ttl time.Duration) (*model.AdmissionDecision, error)

	// Remove deletes sessionID from the named scope windows (best-effort).
	Remove(ctx context.Context, scopes []model.ScopeSpec, sessionID string) error

	// Count returns the surviving member count of one scope window.
	Count(ctx context.Context, scope model.ScopeType, id string, now time.Time, ttl time.Duration) (int64, error)
}
