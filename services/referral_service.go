// services/referral_service.go
package services

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"referral-rewards-engine/models"
	"referral-rewards-engine/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReferralService owns the referral-code lifecycle and the read-side stats the
// portal renders: per-driver referral stats, activity feeds and the admin
// aggregates.
type ReferralService struct {
	DB      *gorm.DB
	Configs *ConfigService
	Ledger  *LedgerService
	Scope   string
}

func NewReferralService(db *gorm.DB, configs *ConfigService, ledger *LedgerService, scope string) *ReferralService {
	return &ReferralService{DB: db, Configs: configs, Ledger: ledger, Scope: scope}
}

// GetOrGenerateCode returns the driver's active code, minting one if needed.
func (s *ReferralService) GetOrGenerateCode(driverID string) (*models.ReferralCode, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrValidation)
	}
	var code models.ReferralCode
	err := s.DB.Where("driver_id = ? AND status = ?", driverID, models.ReferralCodeStatusActive).
		First(&code).Error
	if err == nil {
		return &code, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Retry on the unique index: collisions are rare but possible.
	for attempt := 0; attempt < 5; attempt++ {
		raw, err := utils.GenerateReferralCode(utils.ReferralCodeLength)
		if err != nil {
			return nil, err
		}
		code = models.ReferralCode{
			ID:       uuid.NewString(),
			DriverID: driverID,
			Code:     raw,
			Status:   models.ReferralCodeStatusActive,
		}
		if err := s.DB.Create(&code).Error; err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return nil, err
		}
		log.Printf("[REFERRAL] Generated code %s for driver %s", code.Code, driverID)
		return &code, nil
	}
	return nil, errors.New("could not generate a unique referral code")
}

// NormalizeCode maps user input onto the stored code form: trimmed, uppercase.
// Every code lookup goes through this so the same input resolves identically
// on the validation, redemption and lifecycle surfaces.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// CodeStatus is the validation view exposed to onboarding: can this code be
// redeemed right now, and by whom was it issued.
type CodeStatus struct {
	Code      string `json:"code"`
	DriverID  string `json:"driver_id"`
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
	TotalUses int64  `json:"total_uses"`
}

// ValidateCode reports a code's current status without mutating anything.
func (s *ReferralService) ValidateCode(raw string) (*CodeStatus, error) {
	var code models.ReferralCode
	if err := s.DB.First(&code, "code = ?", NormalizeCode(raw)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: referral code %q", ErrNotFound, raw)
		}
		return nil, err
	}
	status := &CodeStatus{Code: code.Code, DriverID: code.DriverID, TotalUses: code.TotalUses, Valid: true}
	if code.Status != models.ReferralCodeStatusActive {
		status.Valid = false
		status.Reason = "inactive"
		return status, nil
	}
	if cfg, err := s.Configs.GetActive(s.Scope); err == nil {
		if days := cfg.TimeLimits.ReferralCodeExpiryDays; days > 0 {
			if time.Now().After(code.CreatedAt.AddDate(0, 0, int(days))) {
				status.Valid = false
				status.Reason = "expired"
			}
		}
	}
	return status, nil
}

// MarkCodeUsed bumps the use counter without creating a referral — the
// onboarding flow calls this when a code is applied before registration
// completes.
func (s *ReferralService) MarkCodeUsed(raw string) error {
	res := s.DB.Model(&models.ReferralCode{}).
		Where("code = ? AND status = ?", NormalizeCode(raw), models.ReferralCodeStatusActive).
		Update("total_uses", gorm.Expr("total_uses + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: active referral code %q", ErrNotFound, raw)
	}
	return nil
}

// SetCodeStatus activates or deactivates a code.
func (s *ReferralService) SetCodeStatus(raw string, status models.ReferralCodeStatus) error {
	if status != models.ReferralCodeStatusActive && status != models.ReferralCodeStatusInactive {
		return fmt.Errorf("%w: unknown code status %q", ErrValidation, status)
	}
	res := s.DB.Model(&models.ReferralCode{}).
		Where("code = ?", NormalizeCode(raw)).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: referral code %q", ErrNotFound, raw)
	}
	return nil
}

// ListActiveCodes returns currently redeemable codes (admin surface).
func (s *ReferralService) ListActiveCodes(limit int) ([]models.ReferralCode, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var codes []models.ReferralCode
	err := s.DB.Where("status = ?", models.ReferralCodeStatusActive).
		Order("created_at DESC").Limit(limit).Find(&codes).Error
	return codes, err
}

// ExpireCodes deactivates codes past the active policy's expiry window.
// Invoked by the scheduler; a no-op when the policy has no expiry.
func (s *ReferralService) ExpireCodes() (int64, error) {
	cfg, err := s.Configs.GetActive(s.Scope)
	if err != nil {
		return 0, nil // no active policy, nothing to enforce
	}
	days := cfg.TimeLimits.ReferralCodeExpiryDays
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -int(days))
	res := s.DB.Model(&models.ReferralCode{}).
		Where("status = ? AND created_at < ?", models.ReferralCodeStatusActive, cutoff).
		Update("status", models.ReferralCodeStatusInactive)
	return res.RowsAffected, res.Error
}

// DriverStats is the driver-facing referral summary.
type DriverStats struct {
	DriverID           string `json:"driver_id"`
	TotalReferrals     int64  `json:"total_referrals"`
	ActiveReferrals    int64  `json:"active_referrals"`    // activated, still earning
	CompletedReferrals int64  `json:"completed_referrals"` // earning exhausted
	PendingReferrals   int64  `json:"pending_referrals"`
	PointsEarned       int64  `json:"points_earned"`
	AvailablePoints    int64  `json:"available_points"`
	CodeUses           int64  `json:"code_uses"`
}

func (s *ReferralService) StatsFor(driverID string) (*DriverStats, error) {
	stats := &DriverStats{DriverID: driverID}

	byStatus := []struct {
		Status models.ReferralStatus
		Count  int64
	}{}
	if err := s.DB.Model(&models.Referral{}).
		Select("status, COUNT(*) AS count").
		Where("referrer_id = ?", driverID).
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return nil, err
	}
	for _, row := range byStatus {
		stats.TotalReferrals += row.Count
		switch row.Status {
		case models.ReferralStatusActivated:
			stats.ActiveReferrals = row.Count
		case models.ReferralStatusCompleted:
			stats.CompletedReferrals = row.Count
		case models.ReferralStatusPending, models.ReferralStatusInProgress:
			stats.PendingReferrals += row.Count
		}
	}

	bal, err := s.Ledger.BalanceOf(driverID)
	if err != nil {
		return nil, err
	}
	stats.PointsEarned = bal.LifetimePoints
	stats.AvailablePoints = bal.AvailablePoints

	var uses int64
	if err := s.DB.Model(&models.ReferralCode{}).
		Select("COALESCE(SUM(total_uses), 0)").
		Where("driver_id = ?", driverID).
		Scan(&uses).Error; err != nil {
		return nil, err
	}
	stats.CodeUses = uses
	return stats, nil
}

// ReferralsFor lists a driver's referrals, newest first.
func (s *ReferralService) ReferralsFor(driverID string, limit int) ([]models.Referral, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var refs []models.Referral
	err := s.DB.Where("referrer_id = ?", driverID).
		Order("created_at DESC").Limit(limit).Find(&refs).Error
	return refs, err
}

// ActivityFeed interleaves a driver's recent referral and points events for
// the portal's activity panel.
type ActivityItem struct {
	Kind        string    `json:"kind"` // "referral" or one of the ledger kinds
	Description string    `json:"description"`
	Amount      int64     `json:"amount,omitempty"`
	At          time.Time `json:"at"`
}

func (s *ReferralService) ActivityFeed(driverID string, days, limit int) ([]ActivityItem, error) {
	if days <= 0 {
		days = 30
	}
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	since := time.Now().AddDate(0, 0, -days)

	entries, err := s.Ledger.EntriesFor(driverID, since, limit)
	if err != nil {
		return nil, err
	}
	var refs []models.Referral
	if err := s.DB.Where("referrer_id = ? AND created_at >= ?", driverID, since).
		Order("created_at DESC").Limit(limit).Find(&refs).Error; err != nil {
		return nil, err
	}

	items := make([]ActivityItem, 0, len(entries)+len(refs))
	for _, e := range entries {
		items = append(items, ActivityItem{
			Kind:        string(e.Kind),
			Description: e.Description,
			Amount:      e.Amount,
			At:          e.CreatedAt,
		})
	}
	for _, r := range refs {
		items = append(items, ActivityItem{
			Kind:        "referral",
			Description: fmt.Sprintf("New referral via code %s", r.CodeUsed),
			At:          r.CreatedAt,
		})
	}
	// Newest first across both sources.
	sort.Slice(items, func(i, j int) bool { return items[i].At.After(items[j].At) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// AggregateStats is the admin overview across the whole program.
type AggregateStats struct {
	TotalReferrals       int64 `json:"total_referrals"`
	ActivatedReferrals   int64 `json:"activated_referrals"`
	PointsIssued         int64 `json:"points_issued"`
	PointsRedeemed       int64 `json:"points_redeemed"`
	CompletedRedemptions int64 `json:"completed_redemptions"`
	ActiveCodes          int64 `json:"active_codes"`
}

func (s *ReferralService) Aggregate() (*AggregateStats, error) {
	stats := &AggregateStats{}
	if err := s.DB.Model(&models.Referral{}).Count(&stats.TotalReferrals).Error; err != nil {
		return nil, err
	}
	if err := s.DB.Model(&models.Referral{}).
		Where("status IN ?", []models.ReferralStatus{models.ReferralStatusActivated, models.ReferralStatusCompleted}).
		Count(&stats.ActivatedReferrals).Error; err != nil {
		return nil, err
	}
	if err := s.DB.Model(&models.PointsLedgerEntry{}).
		Select("COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0)").
		Scan(&stats.PointsIssued).Error; err != nil {
		return nil, err
	}
	if err := s.DB.Model(&models.PointsLedgerEntry{}).
		Select("COALESCE(SUM(CASE WHEN kind = ? THEN -amount ELSE 0 END), 0)", models.PointsEntryRedemption).
		Scan(&stats.PointsRedeemed).Error; err != nil {
		return nil, err
	}
	if err := s.DB.Model(&models.RedemptionRequest{}).
		Where("status = ?", models.RedemptionStatusCompleted).
		Count(&stats.CompletedRedemptions).Error; err != nil {
		return nil, err
	}
	if err := s.DB.Model(&models.ReferralCode{}).
		Where("status = ?", models.ReferralCodeStatusActive).
		Count(&stats.ActiveCodes).Error; err != nil {
		return nil, err
	}
	return stats, nil
}
