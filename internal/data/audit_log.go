package data

import (
	"context"
	"time"

	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditEventRow is the GORM model for the gateway_audit_events table: one row
// per breaker/probe state transition, for operator review.
type AuditEventRow struct {
	ID        string    `gorm:"primaryKey;column:id;size:36"`
	EventType string    `gorm:"column:event_type;size:50;not null;index"`
	Scope     string    `gorm:"column:scope;size:20;not null"`
	TargetID  int64     `gorm:"column:target_id;not null;index"`
	Detail    string    `gorm:"column:detail;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

// TableName specifies the table name for GORM.
func (AuditEventRow) TableName() string {
	return "gateway_audit_events"
}

// AuditEventRepo persists audit events asynchronously through a buffered
// channel so a state transition never blocks on the database.
type AuditEventRepo struct {
	db        *gorm.DB
	eventChan chan *AuditEventRow
	logger    *log.Helper
}

// NewAuditEventRepo creates a new audit event repository with async writes.
func NewAuditEventRepo(db *gorm.DB, logger log.Logger) *AuditEventRepo {
	r := &AuditEventRepo{
		db:        db,
		eventChan: make(chan *AuditEventRow, 1000),
		logger:    log.NewHelper(logger),
	}

	go r.start()

	return r
}

// start processes audit events from the channel.
func (r *AuditEventRepo) start() {
	for event := range r.eventChan {
		ctx := context.Background()
		if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
			r.logger.Errorw("failed to write audit event",
				"event_type", event.EventType,
				"scope", event.Scope,
				"target_id", event.TargetID,
				"error", err)
		}
	}
}

// Record queues one audit event for persistence. When the buffer is full the
// event is dropped and logged.
func (r *AuditEventRepo) Record(_ context.Context, event *model.AuditEvent) {
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	row := &AuditEventRow{
		ID:        uuid.NewString(),
		EventType: event.EventType,
		Scope:     string(event.Scope),
		TargetID:  event.TargetID,
		Detail:    event.Detail,
		CreatedAt: at,
	}

	select {
	case r.eventChan <- row:
	default:
		r.logger.Warnw("audit event buffer full, dropping event",
			"event_type", event.EventType,
			"target_id", event.TargetID)
	}
}
