package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
)

func parseBreakerScope(s string) (model.BreakerScope, error) {
	switch sc := model.BreakerScope(s); sc {
	case model.BreakerScopeProvider, model.BreakerScopeEndpoint:
		return sc, nil
	}
	return "", errors.BadRequest("INVALID_BREAKER_SCOPE", fmt.Sprintf("unknown breaker scope %q", s))
}

func parseIDList(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.BadRequest("MISSING_IDS", "ids is required")
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, errors.BadRequest("INVALID_ID", fmt.Sprintf("invalid id %q", p))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CheckBreakerRequest selects one breaker by scope and entity id.
type CheckBreakerRequest struct {
	Scope string `json:"scope"`
	Id    int64  `json:"id"`
}

// CheckBreakerReply reports whether traffic to the entity is currently
// rejected.
type CheckBreakerReply struct {
	Open bool `json:"open"`
}

// CheckBreaker answers whether the breaker rejects traffic right now. The
// check also performs the lazy open-to-half-open transition when the cooldown
// has elapsed.
func (s *GatewayService) CheckBreaker(ctx context.Context, req *CheckBreakerRequest) (*CheckBreakerReply, error) {
	scope, err := parseBreakerScope(req.Scope)
	if err != nil {
		return nil, err
	}
	return &CheckBreakerReply{Open: s.breaker.IsOpen(ctx, scope, req.Id)}, nil
}

// ReportOutcomeRequest feeds one upstream request outcome into the breaker
// state machine.
type ReportOutcomeRequest struct {
	Scope   string `json:"scope"`
	Id      int64  `json:"id"`
	Success bool   `json:"success"`
}

// ReportOutcomeReply acknowledges the state transition.
type ReportOutcomeReply struct {
	Recorded bool `json:"recorded"`
}

// ReportOutcome records an upstream success or failure against the breaker.
func (s *GatewayService) ReportOutcome(ctx context.Context, req *ReportOutcomeRequest) (*ReportOutcomeReply, error) {
	scope, err := parseBreakerScope(req.Scope)
	if err != nil {
		return nil, err
	}

	if req.Success {
		s.breaker.RecordSuccess(ctx, scope, req.Id)
	} else {
		s.breaker.RecordFailure(ctx, scope, req.Id)
	}
	return &ReportOutcomeReply{Recorded: true}, nil
}

// BreakerHealthRequest selects a batch of breakers to inspect. Ids is a
// comma-separated list; ForceRefresh bypasses the local fallback on store
// errors.
type BreakerHealthRequest struct {
	Scope        string `json:"scope"`
	Ids          string `json:"ids"`
	ForceRefresh bool   `json:"forceRefresh"`
}

// BreakerHealthView is the transport shape of one breaker's health record.
type BreakerHealthView struct {
	Id                   int64      `json:"id"`
	CircuitState         string     `json:"circuitState"`
	FailureCount         int32      `json:"failureCount"`
	LastFailureTime      *time.Time `json:"lastFailureTime,omitempty"`
	CircuitOpenUntil     *time.Time `json:"circuitOpenUntil,omitempty"`
	HalfOpenSuccessCount int32      `json:"halfOpenSuccessCount"`
}

// BreakerHealthReply lists the batch's health records ordered by id.
type BreakerHealthReply struct {
	Health []BreakerHealthView `json:"health"`
}

// BreakerHealth returns the authoritative health of a batch of breakers.
func (s *GatewayService) BreakerHealth(ctx context.Context, req *BreakerHealthRequest) (*BreakerHealthReply, error) {
	scope, err := parseBreakerScope(req.Scope)
	if err != nil {
		return nil, err
	}
	ids, err := parseIDList(req.Ids)
	if err != nil {
		return nil, err
	}

	health, err := s.breaker.GetAllHealth(ctx, scope, ids, req.ForceRefresh)
	if err != nil {
		s.logger.Errorw("msg", "breaker health fetch failed", "scope", req.Scope, "error", err)
		return nil, errors.InternalServer("BREAKER_HEALTH_FAILED", err.Error())
	}

	views := make([]BreakerHealthView, 0, len(health))
	for id, h := range health {
		views = append(views, BreakerHealthView{
			Id:                   id,
			CircuitState:         string(h.CircuitState),
			FailureCount:         h.FailureCount,
			LastFailureTime:      h.LastFailureTime,
			CircuitOpenUntil:     h.CircuitOpenUntil,
			HalfOpenSuccessCount: h.HalfOpenSuccessCount,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Id < views[j].Id })
	return &BreakerHealthReply{Health: views}, nil
}

// ResetBreakerRequest selects one breaker to force back to closed.
type ResetBreakerRequest struct {
	Scope string `json:"scope"`
	Id    int64  `json:"id"`
}

// ResetBreakerReply acknowledges the reset.
type ResetBreakerReply struct {
	Reset bool `json:"reset"`
}

// ResetBreaker clears the breaker's shared state, forcing closed everywhere.
func (s *GatewayService) ResetBreaker(ctx context.Context, req *ResetBreakerRequest) (*ResetBreakerReply, error) {
	scope, err := parseBreakerScope(req.Scope)
	if err != nil {
		return nil, err
	}

	if err := s.breaker.Reset(ctx, scope, req.Id); err != nil {
		s.logger.Errorw("msg", "breaker reset failed", "scope", req.Scope, "id", req.Id, "error", err)
		return nil, errors.InternalServer("BREAKER_RESET_FAILED", err.Error())
	}
	s.logger.Infow("msg", "breaker reset", "scope", req.Scope, "id", req.Id)
	return &ResetBreakerReply{Reset: true}, nil
}

// InvalidateBreakerConfigRequest broadcasts a config invalidation for the
// listed entities after their catalog rows changed.
type InvalidateBreakerConfigRequest struct {
	Scope string  `json:"scope"`
	Ids   []int64 `json:"ids"`
}

// InvalidateBreakerConfigReply acknowledges the broadcast.
type InvalidateBreakerConfigReply struct {
	Invalidated bool `json:"invalidated"`
}

// InvalidateBreakerConfig tells every instance to drop its cached breaker
// configuration for the listed entities.
func (s *GatewayService) InvalidateBreakerConfig(ctx context.Context, req *InvalidateBreakerConfigRequest) (*InvalidateBreakerConfigReply, error) {
	scope, err := parseBreakerScope(req.Scope)
	if err != nil {
		return nil, err
	}
	if len(req.Ids) == 0 {
		return nil, errors.BadRequest("MISSING_IDS", "ids is required")
	}

	if err := s.breaker.InvalidateConfig(ctx, scope, req.Ids); err != nil {
		s.logger.Errorw("msg", "breaker config invalidation failed", "scope", req.Scope, "error", err)
		return nil, errors.InternalServer("BREAKER_INVALIDATE_FAILED", err.Error())
	}
	return &InvalidateBreakerConfigReply{Invalidated: true}, nil
}

// RankEndpointsRequest selects a provider whose endpoints should be ranked.
type RankEndpointsRequest struct {
	ProviderId int64 `json:"providerId"`
}

// EndpointView is the transport shape of one ranked endpoint.
type EndpointView struct {
	Id                 int64  `json:"id"`
	ProviderId         int64  `json:"providerId"`
	Url                string `json:"url"`
	SortOrder          int32  `json:"sortOrder"`
	LastProbeOk        *bool  `json:"lastProbeOk,omitempty"`
	LastProbeLatencyMs *int64 `json:"lastProbeLatencyMs,omitempty"`
}

// RankEndpointsReply lists the provider's healthy endpoints, best first.
type RankEndpointsReply struct {
	Endpoints []EndpointView `json:"endpoints"`
}

func toEndpointView(ep *model.EndpointRecord) EndpointView {
	return EndpointView{
		Id:                 ep.ID,
		ProviderId:         ep.ProviderID,
		Url:                ep.URL,
		SortOrder:          ep.SortOrder,
		LastProbeOk:        ep.LastProbeOk,
		LastProbeLatencyMs: ep.LastProbeLatencyMs,
	}
}

// RankEndpoints returns the provider's selectable endpoints in preference
// order, with open-breaker endpoints filtered out.
func (s *GatewayService) RankEndpoints(ctx context.Context, req *RankEndpointsRequest) (*RankEndpointsReply, error) {
	if req.ProviderId <= 0 {
		return nil, errors.BadRequest("INVALID_PROVIDER_ID", "providerId must be positive")
	}

	ranked, err := s.selector.Rank(ctx, req.ProviderId)
	if err != nil {
		s.logger.Errorw("msg", "endpoint ranking failed", "provider_id", req.ProviderId, "error", err)
		return nil, errors.InternalServer("ENDPOINT_RANK_FAILED", err.Error())
	}

	views := make([]EndpointView, 0, len(ranked))
	for _, ep := range ranked {
		views = append(views, toEndpointView(ep))
	}
	return &RankEndpointsReply{Endpoints: views}, nil
}

// PickEndpointRequest selects a provider to pick the best endpoint for.
type PickEndpointRequest struct {
	ProviderId int64 `json:"providerId"`
}

// PickEndpointReply carries the single best endpoint.
type PickEndpointReply struct {
	Endpoint EndpointView `json:"endpoint"`
}

// PickEndpoint returns the best currently-selectable endpoint of the
// provider, or HTTP 404 when every endpoint is disabled or tripped.
func (s *GatewayService) PickEndpoint(ctx context.Context, req *PickEndpointRequest) (*PickEndpointReply, error) {
	if req.ProviderId <= 0 {
		return nil, errors.BadRequest("INVALID_PROVIDER_ID", "providerId must be positive")
	}

	ep, err := s.selector.PickBest(ctx, req.ProviderId)
	if err != nil {
		s.logger.Errorw("msg", "endpoint pick failed", "provider_id", req.ProviderId, "error", err)
		return nil, errors.InternalServer("ENDPOINT_PICK_FAILED", err.Error())
	}
	if ep == nil {
		return nil, errors.NotFound("NO_ENDPOINT_AVAILABLE",
			fmt.Sprintf("no selectable endpoint for provider %d", req.ProviderId))
	}
	return &PickEndpointReply{Endpoint: toEndpointView(ep)}, nil
}
