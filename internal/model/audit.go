package model

import "time"

// Audit event type constants
const (
	AuditEventBreakerOpened    = "BREAKER_OPENED"
	AuditEventBreakerHalfOpen  = "BREAKER_HALF_OPEN"
	AuditEventBreakerRecovered = "BREAKER_RECOVERED"
	AuditEventBreakerReset     = "BREAKER_RESET"
	AuditEventProbeFailed      = "PROBE_FAILED"
)

// AuditEvent is one operator-facing state-transition record. Events are
// persisted best-effort; they explain to an operator why traffic shifted,
// they do not participate in any decision.
type AuditEvent struct {
	EventType string
	Scope     BreakerScope
	TargetID  int64
	Detail    string
	At        time.Time
}
