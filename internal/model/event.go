package model

import "time"

// BreakerOpenedEvent represents a circuit breaker opening for a provider or endpoint.
type BreakerOpenedEvent struct {
	Scope        BreakerScope
	EntityID     string
	FailureCount int32
	OpenUntil    time.Time
	OpenedAt     time.Time
}

// BreakerRecoveredEvent represents a circuit breaker closing after half-open probes succeeded.
type BreakerRecoveredEvent struct {
	Scope        BreakerScope
	EntityID     string
	SuccessCount int32
	RecoveredAt  time.Time
}

// LeaseExhaustedEvent represents a budget lease reaching zero remaining budget.
type LeaseExhaustedEvent struct {
	EntityType  EntityType
	EntityID    string
	Window      LeaseWindow
	LimitAmount float64
	OccurredAt  time.Time
}
