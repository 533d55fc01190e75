package biz

import (
	"context"

	"RelayGuard/internal/model"
)

// AuditSink persists operator-facing audit events. Writes are best-effort
// and must never block or fail a state transition. Implementation is in data
// (data.AuditEventRepo).
type AuditSink interface {
	Record(ctx context.Context, event *model.AuditEvent)
}
