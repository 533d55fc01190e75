package model

import "time"

// CircuitState represents the circuit breaker state machine position.
type CircuitState string

const (
	// CircuitClosed indicates normal operation, traffic flows.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen indicates the upstream is considered down, traffic is rejected.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen indicates trial traffic is permitted to test recovery.
	CircuitHalfOpen CircuitState = "half-open"
)

// BreakerScope distinguishes provider-level breakers from per-endpoint breakers.
type BreakerScope string

const (
	BreakerScopeProvider BreakerScope = "provider"
	BreakerScopeEndpoint BreakerScope = "endpoint"
)

// BreakerHealth is the shared-store record for one breaker.
// It is owned exclusively by the breaker use case and mutated only through
// its state-transition operations.
type BreakerHealth struct {
	FailureCount         int32        `json:"failureCount"`
	LastFailureTime      *time.Time   `json:"lastFailureTime,omitempty"`
	CircuitState         CircuitState `json:"circuitState"`
	CircuitOpenUntil     *time.Time   `json:"circuitOpenUntil,omitempty"`
	HalfOpenSuccessCount int32        `json:"halfOpenSuccessCount"`
}

// NewClosedHealth returns a zeroed health record in the closed state.
func NewClosedHealth() *BreakerHealth {
	return &BreakerHealth{CircuitState: CircuitClosed}
}

// BreakerConfig holds the failure thresholds for one breaker.
// A FailureThreshold of 0 disables the breaker entirely.
type BreakerConfig struct {
	FailureThreshold         int32
	OpenDuration             time.Duration
	HalfOpenSuccessThreshold int32
}

// Disabled reports whether the breaker is configured off.
func (c *BreakerConfig) Disabled() bool {
	return c == nil || c.FailureThreshold <= 0
}
