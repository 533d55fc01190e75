// Package service exposes the gateway control-plane operations over HTTP.
// It translates transport DTOs into business-layer calls and back.
package service

import (
	"context"
	"fmt"

	"RelayGuard/internal/biz"
	"RelayGuard/internal/data"
	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// GatewayService implements the admission, cost, lease, breaker and
// endpoint-selection endpoints consumed by the proxy data plane.
type GatewayService struct {
	admission *biz.AdmissionUseCase
	cost      *biz.CostUseCase
	breaker   *biz.BreakerUseCase
	lease     *biz.LeaseUseCase
	selector  *biz.SelectorUseCase
	data      *data.Data
	logger    *log.Helper
}

// NewGatewayService creates a new GatewayService instance.
func NewGatewayService(
	admission *biz.AdmissionUseCase,
	cost *biz.CostUseCase,
	breaker *biz.BreakerUseCase,
	lease *biz.LeaseUseCase,
	selector *biz.SelectorUseCase,
	d *data.Data,
	logger log.Logger,
) *GatewayService {
	return &GatewayService{
		admission: admission,
		cost:      cost,
		breaker:   breaker,
		lease:     lease,
		selector:  selector,
		data:      d,
		logger:    log.NewHelper(logger),
	}
}

// HealthzRequest is empty; readiness takes no parameters.
type HealthzRequest struct{}

// HealthzReply reports shared-store reachability.
type HealthzReply struct {
	Status string `json:"status"`
}

// Healthz answers the readiness probe. It fails when the shared store is
// unreachable, since every enforcement path depends on it.
func (s *GatewayService) Healthz(ctx context.Context, _ *HealthzRequest) (*HealthzReply, error) {
	if err := s.data.Ping(ctx); err != nil {
		return nil, errors.ServiceUnavailable("SHARED_STORE_UNAVAILABLE", err.Error())
	}
	return &HealthzReply{Status: "ok"}, nil
}

func parseEntityType(s string) (model.EntityType, error) {
	switch t := model.EntityType(s); t {
	case model.EntityKey, model.EntityUser, model.EntityProvider:
		return t, nil
	}
	return "", errors.BadRequest("INVALID_ENTITY_TYPE", fmt.Sprintf("unknown entity type %q", s))
}

func parseWindow(s string) (model.LeaseWindow, error) {
	switch w := model.LeaseWindow(s); w {
	case model.WindowFiveHour, model.WindowDaily, model.WindowWeekly, model.WindowMonthly:
		return w, nil
	}
	return "", errors.BadRequest("INVALID_WINDOW", fmt.Sprintf("unknown window %q", s))
}

func parseScopeType(s string) (model.ScopeType, error) {
	switch t := model.ScopeType(s); t {
	case model.ScopeKey, model.ScopeUser, model.ScopeProvider, model.ScopeGlobal:
		return t, nil
	}
	return "", errors.BadRequest("INVALID_SCOPE", fmt.Sprintf("unknown scope %q", s))
}

// AdmitRequest identifies the session and the limits of every scope it
// belongs to. Empty entity ids omit that scope from the check.
type AdmitRequest struct {
	SessionId     string `json:"sessionId"`
	KeyId         string `json:"keyId"`
	UserId        string `json:"userId"`
	ProviderId    string `json:"providerId"`
	KeyLimit      int32  `json:"keyLimit"`
	UserLimit     int32  `json:"userLimit"`
	ProviderLimit int32  `json:"providerLimit"`
}

// AdmitReply reports a granted admission with the per-scope member counts
// observed at decision time.
type AdmitReply struct {
	Allowed bool             `json:"allowed"`
	Counts  map[string]int64 `json:"counts,omitempty"`
}

func (r *AdmitRequest) toModel() *model.AdmissionRequest {
	return &model.AdmissionRequest{
		SessionID:     r.SessionId,
		KeyID:         r.KeyId,
		UserID:        r.UserId,
		ProviderID:    r.ProviderId,
		KeyLimit:      r.KeyLimit,
		UserLimit:     r.UserLimit,
		ProviderLimit: r.ProviderLimit,
	}
}

// TryAdmit checks every concurrency scope atomically and registers the
// session when all allow. Denial surfaces as HTTP 429 so the data plane can
// relay the status upstream unchanged.
func (s *GatewayService) TryAdmit(ctx context.Context, req *AdmitRequest) (*AdmitReply, error) {
	if req.SessionId == "" {
		return nil, errors.BadRequest("MISSING_SESSION_ID", "sessionId is required")
	}

	decision, err := s.admission.TryAdmit(ctx, req.toModel())
	if err != nil {
		s.logger.Errorw("msg", "admission check failed", "session_id", req.SessionId, "error", err)
		return nil, errors.InternalServer("ADMISSION_CHECK_FAILED", err.Error())
	}
	if !decision.Allowed {
		return nil, biz.NewAdmissionDeniedError(decision)
	}

	counts := make(map[string]int64, len(decision.Counts))
	for scope, n := range decision.Counts {
		counts[string(scope)] = n
	}
	return &AdmitReply{Allowed: true, Counts: counts}, nil
}

// ReleaseRequest identifies the session to remove from its scope windows.
// The scope ids must match those of the original admission.
type ReleaseRequest struct {
	SessionId  string `json:"sessionId"`
	KeyId      string `json:"keyId"`
	UserId     string `json:"userId"`
	ProviderId string `json:"providerId"`
}

// ReleaseReply acknowledges that the release was queued.
type ReleaseReply struct {
	Released bool `json:"released"`
}

// Release removes the session off the request path. The call acknowledges
// enqueueing, not completion: the window TTL bounds any missed removal.
func (s *GatewayService) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseReply, error) {
	if req.SessionId == "" {
		return nil, errors.BadRequest("MISSING_SESSION_ID", "sessionId is required")
	}

	s.admission.Release(ctx, &model.AdmissionRequest{
		SessionID:  req.SessionId,
		KeyID:      req.KeyId,
		UserID:     req.UserId,
		ProviderID: req.ProviderId,
	})
	return &ReleaseReply{Released: true}, nil
}

// ActiveSessionsRequest selects one scope window to inspect.
type ActiveSessionsRequest struct {
	Scope string `json:"scope"`
	Id    string `json:"id"`
}

// ActiveSessionsReply reports the live member count of the window.
type ActiveSessionsReply struct {
	Scope string `json:"scope"`
	Id    string `json:"id,omitempty"`
	Count int64  `json:"count"`
}

// ActiveSessions returns the current in-flight session count for one scope.
func (s *GatewayService) ActiveSessions(ctx context.Context, req *ActiveSessionsRequest) (*ActiveSessionsReply, error) {
	scope, err := parseScopeType(req.Scope)
	if err != nil {
		return nil, err
	}
	if scope != model.ScopeGlobal && req.Id == "" {
		return nil, errors.BadRequest("MISSING_ID", "id is required for non-global scopes")
	}

	count := s.admission.ActiveCount(ctx, scope, req.Id)
	return &ActiveSessionsReply{Scope: req.Scope, Id: req.Id, Count: count}, nil
}

// TrackCostRequest appends one request's cost to a rolling window.
// RequestId deduplicates retries of the same report.
type TrackCostRequest struct {
	EntityType string  `json:"entityType"`
	EntityId   string  `json:"entityId"`
	Window     string  `json:"window"`
	CostUsd    float64 `json:"costUsd"`
	RequestId  string  `json:"requestId"`
}

// TrackCostReply returns the window total after the append.
type TrackCostReply struct {
	WindowTotalUsd float64 `json:"windowTotalUsd"`
}

// TrackCost records a completed request's cost against the entity's window.
func (s *GatewayService) TrackCost(ctx context.Context, req *TrackCostRequest) (*TrackCostReply, error) {
	entityType, err := parseEntityType(req.EntityType)
	if err != nil {
		return nil, err
	}
	window, err := parseWindow(req.Window)
	if err != nil {
		return nil, err
	}
	if req.EntityId == "" {
		return nil, errors.BadRequest("MISSING_ENTITY_ID", "entityId is required")
	}
	if req.CostUsd < 0 {
		return nil, errors.BadRequest("NEGATIVE_COST", "costUsd must not be negative")
	}

	total, err := s.cost.Track(ctx, entityType, req.EntityId, window, req.CostUsd, req.RequestId)
	if err != nil {
		s.logger.Errorw("msg", "cost tracking failed",
			"entity_type", req.EntityType, "entity_id", req.EntityId, "window", req.Window, "error", err)
		return nil, errors.InternalServer("COST_TRACK_FAILED", err.Error())
	}
	return &TrackCostReply{WindowTotalUsd: total}, nil
}

// ReadCostRequest selects one entity window to sum.
type ReadCostRequest struct {
	EntityType string `json:"entityType"`
	EntityId   string `json:"entityId"`
	Window     string `json:"window"`
}

// ReadCostReply carries the current rolling-window spend.
type ReadCostReply struct {
	TotalUsd float64 `json:"totalUsd"`
}

// ReadCost sums the live cost entries of one entity window.
func (s *GatewayService) ReadCost(ctx context.Context, req *ReadCostRequest) (*ReadCostReply, error) {
	entityType, err := parseEntityType(req.EntityType)
	if err != nil {
		return nil, err
	}
	window, err := parseWindow(req.Window)
	if err != nil {
		return nil, err
	}
	if req.EntityId == "" {
		return nil, errors.BadRequest("MISSING_ENTITY_ID", "entityId is required")
	}

	total := s.cost.Read(ctx, entityType, req.EntityId, window)
	return &ReadCostReply{TotalUsd: total}, nil
}

// DecrementLeaseRequest charges an estimated request cost against the
// instance's local budget lease.
type DecrementLeaseRequest struct {
	EntityType string  `json:"entityType"`
	EntityId   string  `json:"entityId"`
	Window     string  `json:"window"`
	AmountUsd  float64 `json:"amountUsd"`
}

// DecrementLeaseReply reports whether the charge fit the lease and what
// remains of the local slice afterwards.
type DecrementLeaseReply struct {
	Allowed      bool    `json:"allowed"`
	RemainingUsd float64 `json:"remainingUsd"`
}

// DecrementLease charges the lease locally without touching the shared
// store. An exhausted lease answers allowed=false until the next refresh.
func (s *GatewayService) DecrementLease(ctx context.Context, req *DecrementLeaseRequest) (*DecrementLeaseReply, error) {
	entityType, err := parseEntityType(req.EntityType)
	if err != nil {
		return nil, err
	}
	window, err := parseWindow(req.Window)
	if err != nil {
		return nil, err
	}
	if req.EntityId == "" {
		return nil, errors.BadRequest("MISSING_ENTITY_ID", "entityId is required")
	}
	if req.AmountUsd < 0 {
		return nil, errors.BadRequest("NEGATIVE_AMOUNT", "amountUsd must not be negative")
	}

	result, err := s.lease.Decrement(ctx, entityType, req.EntityId, window, req.AmountUsd)
	if err != nil {
		s.logger.Errorw("msg", "lease decrement failed",
			"entity_type", req.EntityType, "entity_id", req.EntityId, "window", req.Window, "error", err)
		return nil, errors.InternalServer("LEASE_DECREMENT_FAILED", err.Error())
	}
	return &DecrementLeaseReply{Allowed: result.Success, RemainingUsd: result.NewRemaining}, nil
}

// LeaseRemainingRequest selects one lease to inspect.
type LeaseRemainingRequest struct {
	EntityType string `json:"entityType"`
	EntityId   string `json:"entityId"`
	Window     string `json:"window"`
}

// LeaseRemainingReply carries the remaining local slice. RemainingUsd is -1
// when the instance holds no live lease for the entity window.
type LeaseRemainingReply struct {
	RemainingUsd float64 `json:"remainingUsd"`
	Held         bool    `json:"held"`
}

// LeaseRemaining reports the unexhausted balance of the local lease.
func (s *GatewayService) LeaseRemaining(ctx context.Context, req *LeaseRemainingRequest) (*LeaseRemainingReply, error) {
	entityType, err := parseEntityType(req.EntityType)
	if err != nil {
		return nil, err
	}
	window, err := parseWindow(req.Window)
	if err != nil {
		return nil, err
	}
	if req.EntityId == "" {
		return nil, errors.BadRequest("MISSING_ENTITY_ID", "entityId is required")
	}

	remaining := s.lease.Remaining(entityType, req.EntityId, window)
	return &LeaseRemainingReply{RemainingUsd: remaining, Held: remaining >= 0}, nil
}

// LeaseSharedRequest selects one shared-store lease record to inspect.
type LeaseSharedRequest struct {
	EntityType string `json:"entityType"`
	EntityId   string `json:"entityId"`
	Window     string `json:"window"`
}

// LeaseSharedView is the shared-store lease record as last written by any
// gateway instance.
type LeaseSharedView struct {
	EntityType      string  `json:"entityType"`
	EntityId        string  `json:"entityId"`
	Window          string  `json:"window"`
	ResetMode       string  `json:"resetMode"`
	ResetTime       int64   `json:"resetTime"`
	SnapshotAtMs    int64   `json:"snapshotAtMs"`
	CurrentUsage    float64 `json:"currentUsage"`
	LimitAmount     float64 `json:"limitAmount"`
	RemainingBudget float64 `json:"remainingBudget"`
	TtlSeconds      int64   `json:"ttlSeconds"`
}

// LeaseSharedReply carries the shared record, nil when none is stored.
type LeaseSharedReply struct {
	Held  bool             `json:"held"`
	Lease *LeaseSharedView `json:"lease,omitempty"`
}

// LeaseShared reads the lease record from the shared store for diagnostics.
// Unlike LeaseRemaining this reflects the last snapshot any instance wrote,
// not this instance's local slice.
func (s *GatewayService) LeaseShared(ctx context.Context, req *LeaseSharedRequest) (*LeaseSharedReply, error) {
	entityType, err := parseEntityType(req.EntityType)
	if err != nil {
		return nil, err
	}
	window, err := parseWindow(req.Window)
	if err != nil {
		return nil, err
	}
	if req.EntityId == "" {
		return nil, errors.BadRequest("MISSING_ENTITY_ID", "entityId is required")
	}

	lease, err := s.lease.LoadShared(ctx, entityType, req.EntityId, window)
	if err != nil {
		return nil, errors.InternalServer("LEASE_READ_FAILED", err.Error())
	}
	if lease == nil {
		return &LeaseSharedReply{Held: false}, nil
	}
	return &LeaseSharedReply{
		Held: true,
		Lease: &LeaseSharedView{
			EntityType:      string(lease.EntityType),
			EntityId:        lease.EntityID,
			Window:          string(lease.Window),
			ResetMode:       string(lease.ResetMode),
			ResetTime:       lease.ResetTime,
			SnapshotAtMs:    lease.SnapshotAtMs,
			CurrentUsage:    lease.CurrentUsage,
			LimitAmount:     lease.LimitAmount,
			RemainingBudget: lease.RemainingBudget,
			TtlSeconds:      lease.TtlSeconds,
		},
	}, nil
}
