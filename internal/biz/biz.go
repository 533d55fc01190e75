// Package biz contains business logic layer implementations.
// This layer holds the core business rules and domain models.
package biz

import (
	"RelayGuard/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewBackground,
	NewAdmissionUseCase,
	NewCostUseCase,
	NewBreakerUseCase,
	NewLeaseUseCase,
	NewProberUseCase,
	NewSelectorUseCase,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(SessionRepo), new(*data.SessionRepo)),
	wire.Bind(new(CostWindowRepo), new(*data.CostWindowRepo)),
	wire.Bind(new(BreakerStateRepo), new(*data.BreakerStateRepo)),
	wire.Bind(new(BreakerConfigSource), new(*data.CatalogRepo)),
	wire.Bind(new(LeaseRepo), new(*data.LeaseRepo)),
	wire.Bind(new(LimitPolicySource), new(*data.CatalogRepo)),
	wire.Bind(new(EndpointCatalog), new(*data.CatalogRepo)),
	wire.Bind(new(ProbeEventSink), new(*data.ProbeEventRepo)),
	wire.Bind(new(ProbeCursor), new(*data.ProbeCursorRepo)),
	wire.Bind(new(WebhookService), new(*data.NoopWebhookService)),
	wire.Bind(new(AuditSink), new(*data.AuditEventRepo)),
)
