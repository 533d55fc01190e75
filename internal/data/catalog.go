package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"RelayGuard/internal/model"
	pkgerrors "RelayGuard/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// Provider is the GORM model for the upstream_providers table. This layer
// reads providers for breaker configuration and concurrency limits; rows are
// owned by the admin surface, which lives outside this service.
type Provider struct {
	ID        int64  `gorm:"primaryKey;column:id"`
	Name      string `gorm:"column:name;size:100;not null"`
	IsEnabled bool   `gorm:"column:is_enabled;default:true;not null"`
	// ConcurrencyLimit caps in-flight requests per provider. 0 = unlimited.
	ConcurrencyLimit int32 `gorm:"column:concurrency_limit;default:0;not null"`
	// Breaker configuration. FailureThreshold 0 disables the breaker.
	FailureThreshold         int32      `gorm:"column:failure_threshold;default:5;not null"`
	OpenDurationMs           int64      `gorm:"column:open_duration_ms;default:300000;not null"`
	HalfOpenSuccessThreshold int32      `gorm:"column:half_open_success_threshold;default:3;not null"`
	DeletedAt                *time.Time `gorm:"column:deleted_at"`
	CreatedAt                time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Provider) TableName() string {
	return "upstream_providers"
}

// Endpoint is the GORM model for the upstream_endpoints table. This layer
// reads the full row but writes back only the probe-result columns.
type Endpoint struct {
	ID                 int64      `gorm:"primaryKey;column:id"`
	ProviderID         int64      `gorm:"column:provider_id;not null;index"`
	URL                string     `gorm:"column:url;size:500;not null"`
	IsEnabled          bool       `gorm:"column:is_enabled;default:true;not null"`
	SortOrder          int32      `gorm:"column:sort_order;default:0;not null"`
	LastProbeOk        *bool      `gorm:"column:last_probe_ok"`         // NULL until first probe
	LastProbeLatencyMs *int64     `gorm:"column:last_probe_latency_ms"` // NULL until first probe
	LastProbedAt       *time.Time `gorm:"column:last_probed_at"`
	DeletedAt          *time.Time `gorm:"column:deleted_at"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Endpoint) TableName() string {
	return "upstream_endpoints"
}

// toRecord converts the GORM row to this layer's read view.
func (e *Endpoint) toRecord() *model.EndpointRecord {
	return &model.EndpointRecord{
		ID:                 e.ID,
		ProviderID:         e.ProviderID,
		URL:                e.URL,
		IsEnabled:          e.IsEnabled,
		DeletedAt:          e.DeletedAt,
		SortOrder:          e.SortOrder,
		LastProbeOk:        e.LastProbeOk,
		LastProbeLatencyMs: e.LastProbeLatencyMs,
	}
}

// LimitPolicy is the GORM model for the spend_limit_policies table: one row
// per (entity, window) spend limit, read by the lease manager's snapshot
// refresh.
type LimitPolicy struct {
	ID          int64   `gorm:"primaryKey;column:id"`
	EntityType  string  `gorm:"column:entity_type;type:enum('key','user','provider');not null;uniqueIndex:idx_entity_window,priority:1"`
	EntityID    string  `gorm:"column:entity_id;size:100;not null;uniqueIndex:idx_entity_window,priority:2"`
	Window      string  `gorm:"column:window;type:enum('5h','daily','weekly','monthly');not null;uniqueIndex:idx_entity_window,priority:3"`
	LimitAmount float64 `gorm:"column:limit_amount;type:decimal(12,4);not null"`
	ResetMode   string  `gorm:"column:reset_mode;type:enum('fixed','rolling');default:'rolling';not null"`
	// LeasePercent/LeaseCapUsd override the global lease defaults when > 0.
	LeasePercent float64   `gorm:"column:lease_percent;type:decimal(6,4);default:0;not null"`
	LeaseCapUsd  float64   `gorm:"column:lease_cap_usd;type:decimal(12,4);default:0;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (LimitPolicy) TableName() string {
	return "spend_limit_policies"
}

// toPolicy converts the GORM row to this layer's read view.
func (p *LimitPolicy) toPolicy() *model.SpendLimitPolicy {
	return &model.SpendLimitPolicy{
		EntityType:   model.EntityType(p.EntityType),
		EntityID:     p.EntityID,
		Window:       model.LeaseWindow(p.Window),
		LimitAmount:  p.LimitAmount,
		ResetMode:    model.ResetMode(p.ResetMode),
		LeasePercent: p.LeasePercent,
		LeaseCapUsd:  p.LeaseCapUsd,
	}
}

// CatalogRepo implements the biz-layer catalog interfaces over the MySQL
// provider/endpoint/limit tables.
type CatalogRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewCatalogRepo creates a new catalog repository.
func NewCatalogRepo(db *gorm.DB, logger log.Logger) *CatalogRepo {
	return &CatalogRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// GetProviderBreakerConfig returns the breaker configuration for a provider.
// A missing provider returns (nil, nil); the caller falls back to defaults.
func (r *CatalogRepo) GetProviderBreakerConfig(ctx context.Context, providerID int64) (*model.BreakerConfig, error) {
	var p Provider
	err := r.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", providerID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %d: %w", providerID, pkgerrors.ClassifyDBError(err))
	}

	return &model.BreakerConfig{
		FailureThreshold:         p.FailureThreshold,
		OpenDuration:             time.Duration(p.OpenDurationMs) * time.Millisecond,
		HalfOpenSuccessThreshold: p.HalfOpenSuccessThreshold,
	}, nil
}

// GetEndpointBreakerConfig returns the breaker configuration governing an
// endpoint, which is its owning provider's configuration.
func (r *CatalogRepo) GetEndpointBreakerConfig(ctx context.Context, endpointID int64) (*model.BreakerConfig, error) {
	var e Endpoint
	err := r.db.WithContext(ctx).Where("id = ?", endpointID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint %d: %w", endpointID, pkgerrors.ClassifyDBError(err))
	}
	return r.GetProviderBreakerConfig(ctx, e.ProviderID)
}

// GetProviderConcurrencyLimit returns the provider's in-flight request cap.
func (r *CatalogRepo) GetProviderConcurrencyLimit(ctx context.Context, providerID int64) (int32, error) {
	var p Provider
	err := r.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", providerID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get provider %d: %w", providerID, pkgerrors.ClassifyDBError(err))
	}
	return p.ConcurrencyLimit, nil
}

// ListEndpoints returns every catalog endpoint, including disabled ones, for
// the prober's round-robin sweep. Soft-deleted rows are excluded.
func (r *CatalogRepo) ListEndpoints(ctx context.Context) ([]*model.EndpointRecord, error) {
	var rows []*Endpoint
	err := r.db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", pkgerrors.ClassifyDBError(err))
	}

	out := make([]*model.EndpointRecord, 0, len(rows))
	for _, e := range rows {
		out = append(out, e.toRecord())
	}
	return out, nil
}

// ListProviderEndpoints returns the endpoints of one provider for selection.
func (r *CatalogRepo) ListProviderEndpoints(ctx context.Context, providerID int64) ([]*model.EndpointRecord, error) {
	var rows []*Endpoint
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND deleted_at IS NULL", providerID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list endpoints of provider %d: %w", providerID, pkgerrors.ClassifyDBError(err))
	}

	out := make([]*model.EndpointRecord, 0, len(rows))
	for _, e := range rows {
		out = append(out, e.toRecord())
	}
	return out, nil
}

// UpdateProbeSnapshot writes the latest probe outcome back onto the endpoint
// row. These are the only endpoint columns this layer ever writes.
func (r *CatalogRepo) UpdateProbeSnapshot(ctx context.Context, endpointID int64, ok bool, latencyMs int64, probedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&Endpoint{}).
		Where("id = ?", endpointID).
		Updates(map[string]interface{}{
			"last_probe_ok":         ok,
			"last_probe_latency_ms": latencyMs,
			"last_probed_at":        probedAt,
			"updated_at":            time.Now(),
		})

	if result.Error != nil {
		return fmt.Errorf("update probe snapshot for endpoint %d: %w", endpointID, pkgerrors.ClassifyDBError(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("endpoint not found: %d", endpointID)
	}
	return nil
}

// GetLimitPolicy returns the spend limit row for one (entity, window), or
// (nil, nil) when no limit is configured.
func (r *CatalogRepo) GetLimitPolicy(ctx context.Context, entityType model.EntityType, entityID string, window model.LeaseWindow) (*model.SpendLimitPolicy, error) {
	var p LimitPolicy
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND window = ?", entityType, entityID, window).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get limit policy %s/%s/%s: %w", entityType, entityID, window, pkgerrors.ClassifyDBError(err))
	}
	return p.toPolicy(), nil
}

// ListLimitPolicies returns every configured spend limit, used by the lease
// manager's periodic snapshot refresh.
func (r *CatalogRepo) ListLimitPolicies(ctx context.Context) ([]*model.SpendLimitPolicy, error) {
	var rows []*LimitPolicy
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list limit policies: %w", pkgerrors.ClassifyDBError(err))
	}

	out := make([]*model.SpendLimitPolicy, 0, len(rows))
	for _, p := range rows {
		out = append(out, p.toPolicy())
	}
	return out, nil
}
