// services/ledger_service.go
package services

import (
	"errors"
	"fmt"
	"time"

	"referral-rewards-engine/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerService owns the append-only points log. Append is the sole mutation
// path; the balance projection is maintained in the same transaction and can
// always be rebuilt from the entry stream.
type LedgerService struct {
	DB *gorm.DB
}

func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{DB: db}
}

// Append inserts a ledger entry idempotently. If an entry with the same
// idempotency key already exists, the existing entry is returned with
// created=false and nothing changes. Runs on the caller's tx so the append
// commits or rolls back together with its surrounding work.
func (s *LedgerService) Append(tx *gorm.DB, entry *models.PointsLedgerEntry) (*models.PointsLedgerEntry, bool, error) {
	if entry.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.PeriodKey == "" {
		entry.PeriodKey = time.Now().UTC().Format("2006-01")
	}

	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		return nil, false, fmt.Errorf("append ledger entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Key collision — return what is already there (DuplicateEvent semantics).
		var existing models.PointsLedgerEntry
		if err := tx.First(&existing, "idempotency_key = ?", entry.IdempotencyKey).Error; err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}

	// Incrementally maintain the balance projection. Lifetime only grows with
	// earnings; available tracks the signed sum.
	lifetimeDelta := entry.Amount
	if lifetimeDelta < 0 {
		lifetimeDelta = 0
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "driver_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"lifetime_points":  gorm.Expr("lifetime_points + ?", lifetimeDelta),
			"available_points": gorm.Expr("available_points + ?", entry.Amount),
			"updated_at":       time.Now().UTC(),
		}),
	}).Create(&models.PointsBalance{
		DriverID:        entry.DriverID,
		LifetimePoints:  lifetimeDelta,
		AvailablePoints: entry.Amount,
	}).Error; err != nil {
		return nil, false, fmt.Errorf("update balance projection: %w", err)
	}
	return entry, true, nil
}

// BalanceOf reads the projection; a driver with no entries has a zero balance.
func (s *LedgerService) BalanceOf(driverID string) (*models.PointsBalance, error) {
	var bal models.PointsBalance
	err := s.DB.First(&bal, "driver_id = ?", driverID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.PointsBalance{DriverID: driverID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

// RebuildBalance recomputes the projection from the ledger alone and rewrites
// it. The cache is never authoritative — this is the recovery path when it
// drifts or is lost.
func (s *LedgerService) RebuildBalance(driverID string) (*models.PointsBalance, error) {
	var rebuilt models.PointsBalance
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		type sums struct {
			Available int64
			Lifetime  int64
		}
		var agg sums
		if err := tx.Model(&models.PointsLedgerEntry{}).
			Select("COALESCE(SUM(amount), 0) AS available, COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS lifetime").
			Where("driver_id = ?", driverID).
			Scan(&agg).Error; err != nil {
			return err
		}
		rebuilt = models.PointsBalance{
			DriverID:        driverID,
			LifetimePoints:  agg.Lifetime,
			AvailablePoints: agg.Available,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "driver_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"lifetime_points":  agg.Lifetime,
				"available_points": agg.Available,
				"updated_at":       time.Now().UTC(),
			}),
		}).Create(&rebuilt).Error
	})
	if err != nil {
		return nil, err
	}
	return &rebuilt, nil
}

// EntriesFor streams a driver's history, newest first. since is optional (zero
// time = everything); limit <= 0 falls back to 100.
func (s *LedgerService) EntriesFor(driverID string, since time.Time, limit int) ([]models.PointsLedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.DB.Where("driver_id = ?", driverID)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var entries []models.PointsLedgerEntry
	err := q.Order("created_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// SumForReferral totals earning entries attributed to one referral — the
// quantity the per-referee profitability cap is enforced against.
func (s *LedgerService) SumForReferral(tx *gorm.DB, referralID string) (int64, error) {
	var total int64
	err := tx.Model(&models.PointsLedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("referral_id = ? AND kind IN ?", referralID, []models.PointsEntryKind{
			models.PointsEntryActivation, models.PointsEntryPerDelivery, models.PointsEntryMilestone,
		}).
		Scan(&total).Error
	return total, err
}

// CountPerDelivery counts per_delivery entries already recorded for a referral.
func (s *LedgerService) CountPerDelivery(tx *gorm.DB, referralID string) (int64, error) {
	var n int64
	err := tx.Model(&models.PointsLedgerEntry{}).
		Where("referral_id = ? AND kind = ?", referralID, models.PointsEntryPerDelivery).
		Count(&n).Error
	return n, err
}
