package biz

import (
	"context"
	"fmt"
	"math"
	"sort"

	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// SelectorUseCase deterministically ranks a provider's endpoints using probe
// state and the endpoint circuit breakers, and picks the best candidate for
// dispatch.
type SelectorUseCase struct {
	catalog EndpointCatalog
	breaker *BreakerUseCase
	logger  *log.Helper
}

// NewSelectorUseCase creates a new endpoint selector.
func NewSelectorUseCase(catalog EndpointCatalog, breaker *BreakerUseCase, logger log.Logger) *SelectorUseCase {
	return &SelectorUseCase{
		catalog: catalog,
		breaker: breaker,
		logger:  log.NewHelper(logger),
	}
}

// probePriority orders endpoints by probe outcome: a passing probe beats an
// unknown (never probed) endpoint, which beats a failing one.
func probePriority(ep *model.EndpointRecord) int {
	switch {
	case ep.LastProbeOk == nil:
		return 1
	case *ep.LastProbeOk:
		return 0
	default:
		return 2
	}
}

func probeLatency(ep *model.EndpointRecord) float64 {
	if ep.LastProbeLatencyMs == nil {
		return math.Inf(1)
	}
	return float64(*ep.LastProbeLatencyMs)
}

// RankEndpoints sorts candidates by probe priority, then ascending
// sortOrder, then ascending probe latency (missing sorts last), with
// ascending id as the final deterministic tie-break. Disabled and deleted
// endpoints are dropped. The input slice is not modified.
func RankEndpoints(endpoints []*model.EndpointRecord) []*model.EndpointRecord {
	ranked := make([]*model.EndpointRecord, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.IsEnabled && ep.DeletedAt == nil {
			ranked = append(ranked, ep)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if pa, pb := probePriority(a), probePriority(b); pa != pb {
			return pa < pb
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		if la, lb := probeLatency(a), probeLatency(b); la != lb {
			return la < lb
		}
		return a.ID < b.ID
	})
	return ranked
}

// Rank returns the provider's endpoints in dispatch order, excluding any
// whose circuit breaker is currently open.
func (uc *SelectorUseCase) Rank(ctx context.Context, providerID int64) ([]*model.EndpointRecord, error) {
	endpoints, err := uc.catalog.ListProviderEndpoints(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("rank endpoints for provider %d: %w", providerID, err)
	}

	candidates := make([]*model.EndpointRecord, 0, len(endpoints))
	for _, ep := range endpoints {
		if !ep.IsEnabled || ep.DeletedAt != nil {
			continue
		}
		if uc.breaker.IsOpen(ctx, model.BreakerScopeEndpoint, ep.ID) {
			continue
		}
		candidates = append(candidates, ep)
	}
	return RankEndpoints(candidates), nil
}

// PickBest returns the top-ranked endpoint for the provider, or nil when no
// candidate survives filtering.
func (uc *SelectorUseCase) PickBest(ctx context.Context, providerID int64) (*model.EndpointRecord, error) {
	ranked, err := uc.Rank(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, nil
	}
	return ranked[0], nil
}
