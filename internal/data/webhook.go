package data

import (
	"context"

	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// NoopWebhookService is the default alert sink: it only logs events.
// Deployments that want delivery plug in an HTTP implementation behind the
// same biz.WebhookService interface.
type NoopWebhookService struct {
	logger *log.Helper
}

// NewNoopWebhookService creates a new noop webhook service
func NewNoopWebhookService(logger log.Logger) *NoopWebhookService {
	return &NoopWebhookService{
		logger: log.NewHelper(logger),
	}
}

// NotifyBreakerOpened logs a breaker-opened event (webhook delivery disabled)
func (s *NoopWebhookService) NotifyBreakerOpened(ctx context.Context, event *model.BreakerOpenedEvent) error {
	s.logger.Warnw("circuit breaker opened (webhook delivery disabled)",
		"scope", event.Scope,
		"entity_id", event.EntityID,
		"failure_count", event.FailureCount,
		"open_until", event.OpenUntil)
	return nil
}

// NotifyBreakerRecovered logs a breaker-recovered event (webhook delivery disabled)
func (s *NoopWebhookService) NotifyBreakerRecovered(ctx context.Context, event *model.BreakerRecoveredEvent) error {
	s.logger.Infow("circuit breaker recovered (webhook delivery disabled)",
		"scope", event.Scope,
		"entity_id", event.EntityID,
		"success_count", event.SuccessCount)
	return nil
}

// NotifyLeaseExhausted logs a lease-exhausted event (webhook delivery disabled)
func (s *NoopWebhookService) NotifyLeaseExhausted(ctx context.Context, event *model.LeaseExhaustedEvent) error {
	s.logger.Warnw("budget exhausted for entity (webhook delivery disabled)",
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
		"window", event.Window,
		"limit_amount", event.LimitAmount)
	return nil
}
