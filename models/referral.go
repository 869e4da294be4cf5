package models

import (
	"time"

	"gorm.io/gorm"
)

// ReferralStatus tracks a referral from code redemption to earning exhaustion
type ReferralStatus string

const (
	ReferralStatusPending    ReferralStatus = "pending"
	ReferralStatusInProgress ReferralStatus = "in_progress"
	ReferralStatusActivated  ReferralStatus = "activated"
	ReferralStatusCompleted  ReferralStatus = "completed"
)

// Referral links a referrer (existing driver) to a referee (new driver).
// Created when a code is redeemed during referee onboarding; never deleted.
type Referral struct {
	ID         string `gorm:"primaryKey;type:uuid" json:"id"`
	ReferrerID string `gorm:"index;not null" json:"referrer_id"` // external driver ID
	RefereeID  string `gorm:"uniqueIndex;not null" json:"referee_id"`

	CodeUsed            string         `gorm:"not null" json:"code_used"`
	Status              ReferralStatus `gorm:"not null;default:'pending'" json:"status"`
	DeliveriesCompleted int64          `gorm:"default:0" json:"deliveries_completed"` // monotonic
	ActivatedAt         *time.Time     `json:"activated_at,omitempty"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
