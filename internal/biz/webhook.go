package biz

import (
	"context"

	"RelayGuard/internal/model"
)

// WebhookService defines the interface for webhook notifications
type WebhookService interface {
	// NotifyBreakerOpened sends notification when a circuit breaker opens
	NotifyBreakerOpened(ctx context.Context, event *model.BreakerOpenedEvent) error

	// NotifyBreakerRecovered sends notification when a circuit breaker recovers
	NotifyBreakerRecovered(ctx context.Context, event *model.BreakerRecoveredEvent) error

	// NotifyLeaseExhausted sends notification when an entity's budget runs out
	NotifyLeaseExhausted(ctx context.Context, event *model.LeaseExhaustedEvent) error
}
