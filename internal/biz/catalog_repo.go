package biz

import (
	"context"
	"time"

	"RelayGuard/internal/model"
)

// EndpointCatalog provides the provider/endpoint rows this layer consumes.
// Rows are owned by the external admin surface; only probe-result fields are
// ever written back. Implementation is in data (data.CatalogRepo).
type EndpointCatalog interface {
	// ListEndpoints returns every non-deleted endpoint, ordered by id.
	ListEndpoints(ctx context.Context) ([]*model.EndpointRecord, error)

	// ListProviderEndpoints returns one provider's endpoints for selection.
	ListProviderEndpoints(ctx context.Context, providerID int64) ([]*model.EndpointRecord, error)

	// GetProviderConcurrencyLimit returns the provider's in-flight cap.
	GetProviderConcurrencyLimit(ctx context.Context, providerID int64) (int32, error)

	// UpdateProbeSnapshot writes the latest probe outcome onto the endpoint row.
	UpdateProbeSnapshot(ctx context.Context, endpointID int64, ok bool, latencyMs int64, probedAt time.Time) error
}

// ProbeEventSink records probe audit events. Writes are best-effort and must
// never block a probe cycle.
type ProbeEventSink interface {
	Record(ctx context.Context, res *model.ProbeResult)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
