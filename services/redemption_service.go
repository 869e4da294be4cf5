// services/redemption_service.go
package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"referral-rewards-engine/models"
	"referral-rewards-engine/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RedemptionService validates and records cash-out / free-delivery requests.
// A rejected request is persisted with its reason and never touches the
// ledger; a completed one commits the request, the ledger debit and the
// balance guard in a single transaction.
type RedemptionService struct {
	DB      *gorm.DB
	Configs *ConfigService
	Ledger  *LedgerService
	Scope   string
}

func NewRedemptionService(db *gorm.DB, configs *ConfigService, ledger *LedgerService, scope string) *RedemptionService {
	return &RedemptionService{DB: db, Configs: configs, Ledger: ledger, Scope: scope}
}

// RequestRedemption validates minimum, then balance, then monthly limit, then
// method rules, and returns the persisted request either way. The typed error
// mirrors the reject reason for the caller.
func (s *RedemptionService) RequestRedemption(driverID string, amount int64, method models.RedemptionMethod) (*models.RedemptionRequest, error) {
	if driverID == "" || amount <= 0 {
		return nil, fmt.Errorf("%w: driver id and a positive amount are required", ErrValidation)
	}
	if method != models.RedemptionMethodCash && method != models.RedemptionMethodFreeDelivery {
		return nil, fmt.Errorf("%w: unknown redemption method %q", ErrValidation, method)
	}

	cfg, err := s.Configs.GetActive(s.Scope)
	if err != nil {
		return nil, err
	}
	rs := cfg.RedemptionSettings

	req := &models.RedemptionRequest{
		ID:       uuid.NewString(),
		DriverID: driverID,
		Amount:   amount,
		Method:   method,
		Status:   models.RedemptionStatusPending,
	}

	if amount < rs.MinimumPointsForCashout {
		return s.reject(req, "below_minimum", ErrBelowMinimum)
	}

	bal, err := s.Ledger.BalanceOf(driverID)
	if err != nil {
		return nil, err
	}
	if amount > bal.AvailablePoints {
		return s.reject(req, "insufficient_balance", ErrInsufficientBalance)
	}

	if rs.MaxCashoutsPerMonth > 0 {
		count, err := s.completedThisMonth(s.DB, driverID)
		if err != nil {
			return nil, err
		}
		if count >= rs.MaxCashoutsPerMonth {
			return s.reject(req, "monthly_limit_reached", ErrMonthlyLimitReached)
		}
	}

	fee := int64(0)
	switch method {
	case models.RedemptionMethodCash:
		fee = rs.CashoutFee
	case models.RedemptionMethodFreeDelivery:
		if !rs.AllowFreeDeliveries {
			return s.reject(req, "free_deliveries_disabled", ErrValidation)
		}
		if rs.PointsPerFreeDelivery <= 0 || amount%rs.PointsPerFreeDelivery != 0 {
			return s.reject(req, "not_multiple_of_delivery_price", ErrValidation)
		}
		req.FreeDeliveries = amount / rs.PointsPerFreeDelivery
	}
	total := amount + fee
	req.Fee = fee

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		// Single-writer guard on the driver's balance: the conditional UPDATE
		// takes the row lock and re-checks under it, so two concurrent
		// redemptions cannot both pass against the same points.
		guard := tx.Exec(
			"UPDATE points_balances SET updated_at = ? WHERE driver_id = ? AND available_points >= ?",
			time.Now().UTC(), driverID, total,
		)
		if guard.Error != nil {
			return guard.Error
		}
		if guard.RowsAffected == 0 {
			return ErrInsufficientBalance
		}

		// Re-check the monthly count under the row lock. The guard UPDATE
		// serializes same-driver writers, so this read sees every redemption an
		// earlier concurrent request committed.
		if rs.MaxCashoutsPerMonth > 0 {
			count, err := s.completedThisMonth(tx, driverID)
			if err != nil {
				return err
			}
			if count >= rs.MaxCashoutsPerMonth {
				return ErrMonthlyLimitReached
			}
		}

		now := time.Now()
		req.Status = models.RedemptionStatusCompleted
		req.ProcessedAt = &now
		if err := tx.Create(req).Error; err != nil {
			return err
		}

		desc := fmt.Sprintf("Redemption: %d points via %s", amount, method)
		if fee > 0 {
			desc += fmt.Sprintf(" (fee %d)", fee)
		}
		_, _, err := s.Ledger.Append(tx, &models.PointsLedgerEntry{
			DriverID:       driverID,
			Amount:         -total,
			Kind:           models.PointsEntryRedemption,
			Description:    desc,
			ConfigID:       cfg.ID,
			PeriodKey:      utils.PeriodKey(now),
			IdempotencyKey: fmt.Sprintf("redemption:%s", req.ID),
		})
		return err
	})
	if errors.Is(err, ErrInsufficientBalance) {
		// Lost the race between validation and commit.
		return s.reject(req, "insufficient_balance", ErrInsufficientBalance)
	}
	if errors.Is(err, ErrMonthlyLimitReached) {
		return s.reject(req, "monthly_limit_reached", ErrMonthlyLimitReached)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("[REDEMPTION] Completed: driver %s redeemed %d points via %s (fee %d)", driverID, amount, method, fee)
	return req, nil
}

// RequestsFor lists a driver's redemption history, newest first.
func (s *RedemptionService) RequestsFor(driverID string, limit int) ([]models.RedemptionRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var reqs []models.RedemptionRequest
	err := s.DB.Where("driver_id = ?", driverID).
		Order("requested_at DESC").Limit(limit).Find(&reqs).Error
	return reqs, err
}

func (s *RedemptionService) completedThisMonth(tx *gorm.DB, driverID string) (int64, error) {
	start, end := utils.PeriodBounds(utils.PeriodKey(time.Now()))
	var n int64
	err := tx.Model(&models.RedemptionRequest{}).
		Where("driver_id = ? AND status = ? AND processed_at >= ? AND processed_at < ?",
			driverID, models.RedemptionStatusCompleted, start, end).
		Count(&n).Error
	return n, err
}

// reject persists the rejected request (side-effect-free against the ledger)
// and surfaces the matching typed error.
func (s *RedemptionService) reject(req *models.RedemptionRequest, reason string, cause error) (*models.RedemptionRequest, error) {
	now := time.Now()
	req.Status = models.RedemptionStatusRejected
	req.RejectReason = reason
	req.ProcessedAt = &now
	if err := s.DB.Create(req).Error; err != nil {
		return nil, err
	}
	log.Printf("[REDEMPTION] Rejected: driver %s, %d points (%s)", req.DriverID, req.Amount, reason)
	return req, cause
}
