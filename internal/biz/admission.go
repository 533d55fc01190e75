package biz

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"RelayGuard/internal/conf"
	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	providerLimitCacheSize = 256
	providerLimitCacheTTL  = time.Minute
)

// AdmissionUseCase enforces concurrent in-flight request limits per key,
// user, provider, and globally. All scopes are checked and tracked in one
// atomic shared-store operation, so concurrent admissions from multiple
// gateway instances can never jointly exceed a limit.
type AdmissionUseCase struct {
	repo    SessionRepo
	catalog EndpointCatalog
	worker  *Background
	logger  *log.Helper

	sessionTTL     time.Duration
	globalLimit    int32
	providerLimits *expirable.LRU[int64, int32]
}

// NewAdmissionUseCase creates a new admission use case.
func NewAdmissionUseCase(c *conf.Gateway, repo SessionRepo, catalog EndpointCatalog, worker *Background, logger log.Logger) *AdmissionUseCase {
	uc := &AdmissionUseCase{
		repo:           repo,
		catalog:        catalog,
		worker:         worker,
		logger:         log.NewHelper(logger),
		sessionTTL:     5 * time.Minute,
		globalLimit:    0,
		providerLimits: expirable.NewLRU[int64, int32](providerLimitCacheSize, nil, providerLimitCacheTTL),
	}
	if c != nil && c.Admission != nil {
		if c.Admission.SessionTtl != nil {
			uc.sessionTTL = c.Admission.SessionTtl.AsDuration()
		}
		uc.globalLimit = c.Admission.GlobalLimit
	}
	return uc
}

// NewAdmissionDeniedError converts a rejected decision into the HTTP 429
// error the transport layer returns. Denial is a normal outcome, not an
// internal failure.
func NewAdmissionDeniedError(d *model.AdmissionDecision) error {
	count := d.Counts[d.RejectedBy]
	return errors.New(
		429, // HTTP 429 Too Many Requests
		"CONCURRENCY_LIMIT_EXCEEDED",
		fmt.Sprintf("concurrency limit exceeded: scope=%s current=%d", d.RejectedBy, count),
	)
}

// buildScopes assembles the scope windows for one request, narrowest first:
// a key is a sub-resource of a user, so the key limit is evaluated before the
// user limit, then provider, then global. Scopes with an empty entity id are
// omitted entirely; a limit <= 0 keeps the scope tracked but never rejecting.
func (uc *AdmissionUseCase) buildScopes(req *model.AdmissionRequest, providerLimit int32) []model.ScopeSpec {
	scopes := make([]model.ScopeSpec, 0, 4)
	if req.KeyID != "" {
		scopes = append(scopes, model.ScopeSpec{Scope: model.ScopeKey, ID: req.KeyID, Limit: req.KeyLimit})
	}
	if req.UserID != "" {
		scopes = append(scopes, model.ScopeSpec{Scope: model.ScopeUser, ID: req.UserID, Limit: req.UserLimit})
	}
	if req.ProviderID != "" {
		scopes = append(scopes, model.ScopeSpec{Scope: model.ScopeProvider, ID: req.ProviderID, Limit: providerLimit})
	}
	scopes = append(scopes, model.ScopeSpec{Scope: model.ScopeGlobal, Limit: uc.globalLimit})
	return scopes
}

// resolveProviderLimit returns the provider's concurrency cap for this
// request. A caller-supplied limit wins; otherwise the cap comes from the
// catalog row through a short-lived cache. Lookup failures leave the scope
// tracked but unlimited (fail open): the provider cap is advisory here while
// the key and user limits, which the caller always supplies, stay enforced.
func (uc *AdmissionUseCase) resolveProviderLimit(ctx context.Context, req *model.AdmissionRequest) int32 {
	if req.ProviderLimit > 0 || req.ProviderID == "" || uc.catalog == nil {
		return req.ProviderLimit
	}

	providerID, err := strconv.ParseInt(req.ProviderID, 10, 64)
	if err != nil {
		return 0
	}
	if limit, ok := uc.providerLimits.Get(providerID); ok {
		return limit
	}

	limit, err := uc.catalog.GetProviderConcurrencyLimit(ctx, providerID)
	if err != nil {
		uc.logger.Warnf("provider %d concurrency limit lookup failed: %v", providerID, err)
		return 0
	}
	uc.providerLimits.Add(providerID, limit)
	return limit
}

// TryAdmit decides whether the session may start a new in-flight request.
// A shared-store error propagates to the caller: silently admitting on error
// would void the limit guarantee, so this path fails safe rather than open.
func (uc *AdmissionUseCase) TryAdmit(ctx context.Context, req *model.AdmissionRequest) (*model.AdmissionDecision, error) {
	if req == nil || req.SessionID == "" {
		return nil, fmt.Errorf("admission: session id is required")
	}

	scopes := uc.buildScopes(req, uc.resolveProviderLimit(ctx, req))
	decision, err := uc.repo.Admit(ctx, scopes, req.SessionID, time.Now(), uc.sessionTTL)
	if err != nil {
		uc.logger.Errorw("admission check failed",
			"session_id", req.SessionID,
			"error", err)
		return nil, fmt.Errorf("admission check for session %s: %w", req.SessionID, err)
	}

	if !decision.Allowed {
		uc.logger.Warnw("admission denied",
			"session_id", req.SessionID,
			"rejected_by", decision.RejectedBy,
			"count", decision.Counts[decision.RejectedBy])
	}
	return decision, nil
}

// Release removes the session from its scope windows after completion or
// termination. The removal runs off the request path and is best-effort: a
// missed removal is bounded by the window's own TTL eviction.
func (uc *AdmissionUseCase) Release(ctx context.Context, req *model.AdmissionRequest) {
	if req == nil || req.SessionID == "" {
		return
	}

	scopes := uc.buildScopes(req, req.ProviderLimit)
	sessionID := req.SessionID
	uc.worker.Submit("admission.release", func(ctx context.Context) {
		if err := uc.repo.Remove(ctx, scopes, sessionID); err != nil {
			uc.logger.Warnf("failed to release session %s: %v", sessionID, err)
		}
	})
}

// ActiveCount returns the live member count of one scope window. Diagnostic
// read: a store error fails open with a zero count.
func (uc *AdmissionUseCase) ActiveCount(ctx context.Context, scope model.ScopeType, id string) int64 {
	count, err := uc.repo.Count(ctx, scope, id, time.Now(), uc.sessionTTL)
	if err != nil {
		uc.logger.Warnf("active count for %s:%s failed: %v", scope, id, err)
		return 0
	}
	return count
}
