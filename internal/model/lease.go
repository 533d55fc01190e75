package model

import "encoding/json"

// EntityType identifies what kind of entity a budget belongs to.
type EntityType string

const (
	EntityKey      EntityType = "key"
	EntityUser     EntityType = "user"
	EntityProvider EntityType = "provider"
)

// LeaseWindow names one spend-limit accounting window.
type LeaseWindow string

const (
	WindowFiveHour LeaseWindow = "5h"
	WindowDaily    LeaseWindow = "daily"
	WindowWeekly   LeaseWindow = "weekly"
	WindowMonthly  LeaseWindow = "monthly"
)

// ResetMode controls whether a window resets at a fixed instant or rolls.
type ResetMode string

const (
	ResetFixed   ResetMode = "fixed"
	ResetRolling ResetMode = "rolling"
)

// SpendLimitPolicy is one configured (entity, window) spend limit, as read
// from the catalog. LeasePercent and LeaseCapUsd override the global lease
// defaults when positive.
type SpendLimitPolicy struct {
	EntityType   EntityType
	EntityID     string
	Window       LeaseWindow
	LimitAmount  float64
	ResetMode    ResetMode
	LeasePercent float64
	LeaseCapUsd  float64
}

// BudgetLease is a locally spendable slice of a shared budget. It is created
// from a periodic usage snapshot, decremented in-process on every charge, and
// discarded once TtlSeconds have elapsed since SnapshotAtMs.
type BudgetLease struct {
	EntityType      EntityType  `json:"entityType"`
	EntityID        string      `json:"entityId"`
	Window          LeaseWindow `json:"window"`
	ResetMode       ResetMode   `json:"resetMode"`
	ResetTime       int64       `json:"resetTime"` // unix ms; 0 for rolling windows
	SnapshotAtMs    int64       `json:"snapshotAtMs"`
	CurrentUsage    float64     `json:"currentUsage"`
	LimitAmount     float64     `json:"limitAmount"`
	RemainingBudget float64     `json:"remainingBudget"`
	TtlSeconds      int64       `json:"ttlSeconds"`
}

// ExpiredAt reports whether the lease has outlived its ttl at nowMs.
func (l *BudgetLease) ExpiredAt(nowMs int64) bool {
	return nowMs-l.SnapshotAtMs >= l.TtlSeconds*1000
}

// Encode serializes the lease to JSON.
func (l *BudgetLease) Encode() ([]byte, error) {
	return json.Marshal(l)
}

// DecodeBudgetLease deserializes a lease record. Malformed or incomplete
// payloads yield nil rather than an error: a corrupt lease record is treated
// the same as an expired one, forcing a fresh snapshot fetch.
func DecodeBudgetLease(data []byte) *BudgetLease {
	var l BudgetLease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil
	}
	if l.EntityType == "" || l.EntityID == "" || l.Window == "" || l.SnapshotAtMs <= 0 {
		return nil
	}
	return &l
}
