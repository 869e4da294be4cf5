package models

import "time"

// ConfigurationStatus indicates whether a policy document is live
type ConfigurationStatus string

const (
	ConfigurationStatusActive   ConfigurationStatus = "active"
	ConfigurationStatusInactive ConfigurationStatus = "inactive"
)

// ActivationBonusRules: one-time bonus when the referee reaches the delivery threshold
type ActivationBonusRules struct {
	Enabled            bool  `json:"enabled"`
	RequiredDeliveries int64 `json:"required_deliveries"`
	ReferrerPoints     int64 `json:"referrer_points"`
	RefereePoints      int64 `json:"referee_points"`
}

// PerDeliveryRules: ongoing referrer points per referee delivery, capped per referee
type PerDeliveryRules struct {
	Enabled                 bool  `json:"enabled"`
	ReferrerPoints          int64 `json:"referrer_points"`
	MaxDeliveriesPerReferee int64 `json:"max_deliveries_per_referee"`
}

type MilestoneReward struct {
	DeliveryCount int64  `json:"delivery_count"`
	Points        int64  `json:"points"`
	Description   string `json:"description"`
}

type MilestoneRules struct {
	Enabled bool              `json:"enabled"`
	Rewards []MilestoneReward `json:"rewards"`
}

type LeaderboardReward struct {
	Rank        int    `json:"rank"`
	Points      int64  `json:"points"`
	Description string `json:"description"`
}

type LeaderboardRules struct {
	Enabled bool                `json:"enabled"`
	Rewards []LeaderboardReward `json:"rewards"`
}

// ProfitabilityControls cap what the program may spend
type ProfitabilityControls struct {
	MaxPointsPerReferee         int64 `json:"max_points_per_referee"`
	MonthlyReferralBudget       int64 `json:"monthly_referral_budget"`
	MaxReferralBudgetPercentage int64 `json:"max_referral_budget_percentage"` // of platform revenue
}

type RedemptionSettings struct {
	MinimumPointsForCashout int64 `json:"minimum_points_for_cashout"`
	CashoutFee              int64 `json:"cashout_fee"`
	MaxCashoutsPerMonth     int64 `json:"max_cashouts_per_month"`
	AllowFreeDeliveries     bool  `json:"allow_free_deliveries"`
	PointsPerFreeDelivery   int64 `json:"points_per_free_delivery"`
}

// TimeLimits: zero means "no expiry"
type TimeLimits struct {
	ReferralCodeExpiryDays    int64 `json:"referral_code_expiry_days"`
	PointsExpiryDays          int64 `json:"points_expiry_days"`
	ActivationBonusExpiryDays int64 `json:"activation_bonus_expiry_days"`
}

// RewardConfiguration is a versioned policy document. Immutable once referenced
// by a ledger entry — amendments create a new row; only Status changes in place.
type RewardConfiguration struct {
	ID          string              `gorm:"primaryKey;type:uuid" json:"id"`
	Name        string              `gorm:"not null" json:"name"`
	Description string              `gorm:"type:text" json:"description"`
	Scope       string              `gorm:"index;not null;default:'default'" json:"scope"`
	Status      ConfigurationStatus `gorm:"not null;default:'inactive'" json:"status"`

	ActivationBonus       ActivationBonusRules  `gorm:"serializer:json" json:"activation_bonus"`
	PerDeliveryReward     PerDeliveryRules      `gorm:"serializer:json" json:"per_delivery_reward"`
	Milestones            MilestoneRules        `gorm:"serializer:json" json:"milestones"`
	LeaderboardRewards    LeaderboardRules      `gorm:"serializer:json" json:"leaderboard_rewards"`
	ProfitabilityControls ProfitabilityControls `gorm:"serializer:json" json:"profitability_controls"`
	RedemptionSettings    RedemptionSettings    `gorm:"serializer:json" json:"redemption_settings"`
	TimeLimits            TimeLimits            `gorm:"serializer:json" json:"time_limits"`

	Timestamps
}

// ConfigurationAudit records every status change (who/when); identity itself is
// resolved by the gateway.
type ConfigurationAudit struct {
	ID        string              `gorm:"primaryKey;type:uuid" json:"id"`
	ConfigID  string              `gorm:"index;not null" json:"config_id"`
	Actor     string              `json:"actor"`
	OldStatus ConfigurationStatus `json:"old_status"`
	NewStatus ConfigurationStatus `json:"new_status"`
	ChangedAt time.Time           `gorm:"autoCreateTime" json:"changed_at"`
}
