// services/errors.go
package services

import "errors"

// Typed failure modes returned to callers. Nothing here is retried internally —
// every mutating operation is idempotent, so retries belong to the event sender.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrBudgetExceeded      = errors.New("monthly referral budget exceeded")
	ErrCapExceeded         = errors.New("per-referee points cap exceeded")
	ErrInsufficientBalance = errors.New("insufficient available points")
	ErrBelowMinimum        = errors.New("amount below minimum cashout")
	ErrMonthlyLimitReached = errors.New("monthly redemption limit reached")
)
