package models

// ReferralCodeStatus is either active or inactive; codes are permanent by default
type ReferralCodeStatus string

const (
	ReferralCodeStatusActive   ReferralCodeStatus = "active"
	ReferralCodeStatusInactive ReferralCodeStatus = "inactive"
)

// ReferralCode is a driver's shareable invite code
type ReferralCode struct {
	ID        string             `gorm:"primaryKey;type:uuid" json:"id"`
	DriverID  string             `gorm:"index;not null" json:"driver_id"` // external driver ID
	Code      string             `gorm:"uniqueIndex;not null" json:"code"`
	Status    ReferralCodeStatus `gorm:"not null;default:'active'" json:"status"`
	TotalUses int64              `gorm:"default:0" json:"total_uses"`

	Timestamps
}
