package models

import "time"

// PointsEntryKind classifies the causal event behind a ledger entry
type PointsEntryKind string

const (
	PointsEntryActivation  PointsEntryKind = "activation"
	PointsEntryPerDelivery PointsEntryKind = "per_delivery"
	PointsEntryMilestone   PointsEntryKind = "milestone"
	PointsEntryLeaderboard PointsEntryKind = "leaderboard"
	PointsEntryRedemption  PointsEntryKind = "redemption"
	PointsEntryAdjustment  PointsEntryKind = "adjustment"
)

// PointsLedgerEntry is an immutable, signed point transaction. Append-only:
// never updated or deleted. The ledger is the source of truth for all balances.
type PointsLedgerEntry struct {
	ID          string          `gorm:"primaryKey;type:uuid" json:"id"`
	DriverID    string          `gorm:"index;not null" json:"driver_id"`
	Amount      int64           `json:"amount"` // signed
	Kind        PointsEntryKind `gorm:"not null;index" json:"kind"`
	Description string          `gorm:"type:text" json:"description"`

	ReferralID *string `gorm:"index" json:"referral_id,omitempty"`
	ConfigID   string  `gorm:"index" json:"config_id,omitempty"` // policy the entry was created under
	PeriodKey  string  `gorm:"index" json:"period_key"`          // budget month, e.g. "2025-08"

	IdempotencyKey string    `gorm:"uniqueIndex;not null" json:"idempotency_key"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// PointsBalance is a derived projection over the ledger, incrementally
// maintained on append and rebuildable from the entry stream alone.
// Never authoritative if it disagrees with the ledger sum.
type PointsBalance struct {
	DriverID        string    `gorm:"primaryKey" json:"driver_id"`
	LifetimePoints  int64     `gorm:"default:0" json:"lifetime_points"`
	AvailablePoints int64     `gorm:"default:0" json:"available_points"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProcessedEvent dedupes upstream lifecycle events (at-least-once delivery).
// A replayed event key short-circuits the evaluator before any state change.
type ProcessedEvent struct {
	EventKey    string    `gorm:"primaryKey" json:"event_key"`
	EventType   string    `gorm:"not null" json:"event_type"`
	RefereeID   string    `gorm:"index" json:"referee_id"`
	ProcessedAt time.Time `gorm:"autoCreateTime" json:"processed_at"`
}

// BudgetPeriod is the single-writer monthly spend counter for one configuration.
// Mutated only through a conditional check-and-increment.
type BudgetPeriod struct {
	ConfigID     string    `gorm:"primaryKey" json:"config_id"`
	PeriodKey    string    `gorm:"primaryKey" json:"period_key"`
	BudgetPoints int64     `gorm:"not null" json:"budget_points"`
	SpentPoints  int64     `gorm:"default:0" json:"spent_points"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
