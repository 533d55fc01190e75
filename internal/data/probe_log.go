package data

import (
	"context"
	"time"

	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProbeEvent is the GORM model for the endpoint_probe_events table: one row
// per active probe, kept for a bounded retention window.
type ProbeEvent struct {
	ID           string    `gorm:"primaryKey;column:id;size:36"`
	EndpointID   int64     `gorm:"column:endpoint_id;not null;index"`
	Ok           bool      `gorm:"column:ok;not null"`
	StatusCode   int       `gorm:"column:status_code;default:0;not null"`
	LatencyMs    int64     `gorm:"column:latency_ms;default:0;not null"`
	ErrorType    string    `gorm:"column:error_type;size:50"`
	ErrorMessage string    `gorm:"column:error_message;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

// TableName specifies the table name for GORM.
func (ProbeEvent) TableName() string {
	return "endpoint_probe_events"
}

// ProbeEventRepo persists probe audit events asynchronously through a
// buffered channel so the prober never blocks on the database.
type ProbeEventRepo struct {
	db        *gorm.DB
	eventChan chan *ProbeEvent
	logger    *log.Helper
}

// NewProbeEventRepo creates a new probe event repository with async writes.
func NewProbeEventRepo(db *gorm.DB, logger log.Logger) *ProbeEventRepo {
	r := &ProbeEventRepo{
		db:        db,
		eventChan: make(chan *ProbeEvent, 1000), // Buffer size 1000 to prevent blocking
		logger:    log.NewHelper(logger),
	}

	// Start background goroutine for async writes
	go r.start()

	return r
}

// start processes probe events from the channel.
func (r *ProbeEventRepo) start() {
	for event := range r.eventChan {
		ctx := context.Background()
		if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
			r.logger.Errorw("failed to write probe event",
				"endpoint_id", event.EndpointID,
				"ok", event.Ok,
				"error", err)
		}
	}
}

// Record queues one probe result for persistence. The write is best-effort:
// when the buffer is full the event is dropped and logged, never blocking
// the probe cycle.
func (r *ProbeEventRepo) Record(_ context.Context, res *model.ProbeResult) {
	event := &ProbeEvent{
		ID:           uuid.NewString(),
		EndpointID:   res.EndpointID,
		Ok:           res.Ok,
		StatusCode:   res.StatusCode,
		LatencyMs:    res.LatencyMs,
		ErrorType:    res.ErrorType,
		ErrorMessage: res.ErrorMessage,
		CreatedAt:    res.ProbedAt,
	}

	select {
	case r.eventChan <- event:
	default:
		r.logger.Warnw("probe event buffer full, dropping event",
			"endpoint_id", res.EndpointID)
	}
}

// DeleteOlderThan removes probe events created before cutoff and returns the
// number of deleted rows. Called from the scheduled retention sweep.
func (r *ProbeEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&ProbeEvent{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
