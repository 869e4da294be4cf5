package models

import "time"

type RedemptionMethod string

const (
	RedemptionMethodCash         RedemptionMethod = "cash"
	RedemptionMethodFreeDelivery RedemptionMethod = "free_delivery"
)

// RedemptionStatus transitions are one-directional: pending → completed | rejected
type RedemptionStatus string

const (
	RedemptionStatusPending   RedemptionStatus = "pending"
	RedemptionStatusCompleted RedemptionStatus = "completed"
	RedemptionStatusRejected  RedemptionStatus = "rejected"
)

// RedemptionRequest records a cash-out / free-delivery intent. The engine only
// authorizes and records it; the settlement rail is external.
type RedemptionRequest struct {
	ID       string           `gorm:"primaryKey;type:uuid" json:"id"`
	DriverID string           `gorm:"index;not null" json:"driver_id"`
	Amount   int64            `gorm:"not null" json:"amount"` // points requested
	Method   RedemptionMethod `gorm:"not null" json:"method"`
	Status   RedemptionStatus `gorm:"not null;index" json:"status"`

	Fee            int64  `json:"fee"`                       // cashout fee charged, if any
	FreeDeliveries int64  `json:"free_deliveries,omitempty"` // granted when method=free_delivery
	RejectReason   string `json:"reject_reason,omitempty"`

	RequestedAt time.Time  `gorm:"autoCreateTime" json:"requested_at"`
	ProcessedAt *time.Time `gorm:"index" json:"processed_at,omitempty"`
}
