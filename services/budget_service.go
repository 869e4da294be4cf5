// services/budget_service.go
package services

import (
	"errors"
	"time"

	"referral-rewards-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BudgetService guards the monthly spend counter per (configuration, period).
// Reservations go through a conditional check-and-increment so two concurrent
// award computations can never jointly overshoot the budget.
type BudgetService struct {
	DB *gorm.DB
}

func NewBudgetService(db *gorm.DB) *BudgetService {
	return &BudgetService{DB: db}
}

// Reserve attempts to take `amount` points from the period's budget inside the
// caller's transaction, so a failed ledger append rolls the reservation back
// with it. Returns false when the budget would be exceeded. A zero budget in
// the configuration means "unlimited".
func (s *BudgetService) Reserve(tx *gorm.DB, cfg *models.RewardConfiguration, periodKey string, amount int64) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	budget := cfg.ProfitabilityControls.MonthlyReferralBudget
	if budget <= 0 {
		return true, nil
	}

	// Make sure the counter row exists, then CAS the increment. The WHERE
	// clause re-evaluates under the row lock, which is what closes the
	// check-then-act race.
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "config_id"}, {Name: "period_key"}},
		DoNothing: true,
	}).Create(&models.BudgetPeriod{
		ConfigID:     cfg.ID,
		PeriodKey:    periodKey,
		BudgetPoints: budget,
	}).Error; err != nil {
		return false, err
	}

	res := tx.Exec(
		"UPDATE budget_periods SET spent_points = spent_points + ?, updated_at = ? "+
			"WHERE config_id = ? AND period_key = ? AND spent_points + ? <= budget_points",
		amount, time.Now().UTC(), cfg.ID, periodKey, amount,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SpentThisPeriod returns the points already reserved for a period.
func (s *BudgetService) SpentThisPeriod(configID, periodKey string) (int64, error) {
	var bp models.BudgetPeriod
	err := s.DB.First(&bp, "config_id = ? AND period_key = ?", configID, periodKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return bp.SpentPoints, nil
}

// Profitability is the read-only admin view for one configuration and period,
// derived purely from ledger sums — the budget counter carries no independent
// truth about cost.
type Profitability struct {
	ConfigID          string  `json:"config_id"`
	PeriodKey         string  `json:"period_key"`
	PointsAwarded     int64   `json:"points_awarded"`  // earning entries in period
	PointsRedeemed    int64   `json:"points_redeemed"` // magnitude of redemption entries
	BudgetPoints      int64   `json:"budget_points"`
	BudgetRemaining   int64   `json:"budget_remaining"`
	BudgetUtilization float64 `json:"budget_utilization"` // awarded / budget
	RevenueFloor      int64   `json:"revenue_floor"`      // implied by max budget percentage
	Net               int64   `json:"net"`                // budget minus awarded
}

func (s *BudgetService) Profitability(cfg *models.RewardConfiguration, periodKey string) (*Profitability, error) {
	type sums struct {
		Awarded  int64
		Redeemed int64
	}
	var agg sums
	if err := s.DB.Model(&models.PointsLedgerEntry{}).
		Select("COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS awarded, "+
			"COALESCE(SUM(CASE WHEN kind = ? THEN -amount ELSE 0 END), 0) AS redeemed",
			models.PointsEntryRedemption).
		Where("config_id = ? AND period_key = ?", cfg.ID, periodKey).
		Scan(&agg).Error; err != nil {
		return nil, err
	}

	budget := cfg.ProfitabilityControls.MonthlyReferralBudget
	p := &Profitability{
		ConfigID:       cfg.ID,
		PeriodKey:      periodKey,
		PointsAwarded:  agg.Awarded,
		PointsRedeemed: agg.Redeemed,
		BudgetPoints:   budget,
		Net:            budget - agg.Awarded,
	}
	if budget > 0 {
		p.BudgetRemaining = budget - agg.Awarded
		p.BudgetUtilization = float64(agg.Awarded) / float64(budget)
	}
	if pct := cfg.ProfitabilityControls.MaxReferralBudgetPercentage; pct > 0 {
		// Revenue the platform must clear for the budget to stay within policy.
		p.RevenueFloor = budget * 100 / pct
	}
	return p, nil
}
