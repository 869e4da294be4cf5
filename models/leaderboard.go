package models

import "time"

// LeaderboardEntry is a per-driver snapshot for one period, persisted whether or
// not the driver earned a rank reward. Immutable once the period closes.
type LeaderboardEntry struct {
	ID        string `gorm:"primaryKey;type:uuid" json:"id"`
	PeriodKey string `gorm:"uniqueIndex:idx_leaderboard_period_driver;not null" json:"period_key"`
	DriverID  string `gorm:"uniqueIndex:idx_leaderboard_period_driver;not null" json:"driver_id"`

	TotalReferrals int64 `json:"total_referrals"`
	TotalPoints    int64 `json:"total_points"`
	Rank           int   `gorm:"index" json:"rank"`
	MonthlyReward  int64 `json:"monthly_reward"` // points paid for the rank, 0 if none

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
