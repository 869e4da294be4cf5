// services/config_service.go
package services

import (
	"errors"
	"fmt"
	"log"

	"referral-rewards-engine/models"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// ConfigService is the versioned policy store. Configurations are immutable
// once created (amendments are new rows); only status flips in place, and at
// most one configuration is active per scope at any instant.
type ConfigService struct {
	DB *gorm.DB
}

func NewConfigService(db *gorm.DB) *ConfigService {
	return &ConfigService{DB: db}
}

// NormalizeScope turns a human scope label into a stable key ("São Paulo" → "sao-paulo").
func NormalizeScope(scope string) string {
	if scope == "" {
		return "default"
	}
	return slug.Make(scope)
}

// Create validates and persists a new configuration version (inactive by default).
func (s *ConfigService) Create(cfg *models.RewardConfiguration) (string, error) {
	if err := validateConfiguration(cfg); err != nil {
		return "", err
	}
	cfg.ID = uuid.NewString()
	cfg.Scope = NormalizeScope(cfg.Scope)
	if cfg.Status == "" {
		cfg.Status = models.ConfigurationStatusInactive
	}
	if err := s.DB.Create(cfg).Error; err != nil {
		return "", fmt.Errorf("create configuration: %w", err)
	}
	log.Printf("[CONFIG] Created configuration %q (%s) in scope %s", cfg.Name, cfg.ID, cfg.Scope)
	return cfg.ID, nil
}

// SetStatus flips a configuration's status. Activating one deactivates any other
// active configuration in the same scope inside the same transaction, and every
// change is recorded in the audit trail.
func (s *ConfigService) SetStatus(id string, status models.ConfigurationStatus, actor string) error {
	if status != models.ConfigurationStatusActive && status != models.ConfigurationStatusInactive {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var cfg models.RewardConfiguration
		if err := tx.First(&cfg, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: configuration %s", ErrNotFound, id)
			}
			return err
		}
		old := cfg.Status
		if old == status {
			return nil
		}

		if status == models.ConfigurationStatusActive {
			// Transactional swap: demote whatever is currently active in this scope.
			var displaced []models.RewardConfiguration
			if err := tx.Where("scope = ? AND status = ? AND id <> ?",
				cfg.Scope, models.ConfigurationStatusActive, cfg.ID).
				Find(&displaced).Error; err != nil {
				return err
			}
			for _, d := range displaced {
				if err := tx.Model(&models.RewardConfiguration{}).
					Where("id = ?", d.ID).
					Update("status", models.ConfigurationStatusInactive).Error; err != nil {
					return err
				}
				if err := tx.Create(&models.ConfigurationAudit{
					ID:        uuid.NewString(),
					ConfigID:  d.ID,
					Actor:     actor,
					OldStatus: models.ConfigurationStatusActive,
					NewStatus: models.ConfigurationStatusInactive,
				}).Error; err != nil {
					return err
				}
			}
		}

		if err := tx.Model(&models.RewardConfiguration{}).
			Where("id = ?", cfg.ID).
			Update("status", status).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.ConfigurationAudit{
			ID:        uuid.NewString(),
			ConfigID:  cfg.ID,
			Actor:     actor,
			OldStatus: old,
			NewStatus: status,
		}).Error; err != nil {
			return err
		}
		log.Printf("[CONFIG] %s: %s → %s (by %s)", cfg.ID, old, status, actor)
		return nil
	})
}

// GetActive returns the active configuration for a scope, or ErrNotFound.
func (s *ConfigService) GetActive(scope string) (*models.RewardConfiguration, error) {
	var cfg models.RewardConfiguration
	err := s.DB.Where("scope = ? AND status = ?", NormalizeScope(scope), models.ConfigurationStatusActive).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no active configuration for scope %q", ErrNotFound, scope)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *ConfigService) GetByID(id string) (*models.RewardConfiguration, error) {
	var cfg models.RewardConfiguration
	err := s.DB.First(&cfg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: configuration %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// List returns every configuration version, newest first. Nothing is ever
// hard-deleted; the full history stays queryable for audit and profitability.
func (s *ConfigService) List() ([]models.RewardConfiguration, error) {
	var cfgs []models.RewardConfiguration
	err := s.DB.Order("created_at DESC").Find(&cfgs).Error
	return cfgs, err
}

func (s *ConfigService) AuditTrail(configID string) ([]models.ConfigurationAudit, error) {
	var audits []models.ConfigurationAudit
	err := s.DB.Where("config_id = ?", configID).Order("changed_at DESC").Find(&audits).Error
	return audits, err
}

func validateConfiguration(cfg *models.RewardConfiguration) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	for field, v := range map[string]int64{
		"activation_bonus.required_deliveries":           cfg.ActivationBonus.RequiredDeliveries,
		"activation_bonus.referrer_points":               cfg.ActivationBonus.ReferrerPoints,
		"activation_bonus.referee_points":                cfg.ActivationBonus.RefereePoints,
		"per_delivery_reward.referrer_points":            cfg.PerDeliveryReward.ReferrerPoints,
		"per_delivery_reward.max_deliveries_per_referee": cfg.PerDeliveryReward.MaxDeliveriesPerReferee,
		"profitability_controls.max_points_per_referee":  cfg.ProfitabilityControls.MaxPointsPerReferee,
		"profitability_controls.monthly_referral_budget": cfg.ProfitabilityControls.MonthlyReferralBudget,
		"profitability_controls.max_budget_percentage":   cfg.ProfitabilityControls.MaxReferralBudgetPercentage,
		"redemption_settings.minimum_points_for_cashout": cfg.RedemptionSettings.MinimumPointsForCashout,
		"redemption_settings.cashout_fee":                cfg.RedemptionSettings.CashoutFee,
		"redemption_settings.max_cashouts_per_month":     cfg.RedemptionSettings.MaxCashoutsPerMonth,
		"redemption_settings.points_per_free_delivery":   cfg.RedemptionSettings.PointsPerFreeDelivery,
		"time_limits.referral_code_expiry_days":          cfg.TimeLimits.ReferralCodeExpiryDays,
		"time_limits.points_expiry_days":                 cfg.TimeLimits.PointsExpiryDays,
		"time_limits.activation_bonus_expiry_days":       cfg.TimeLimits.ActivationBonusExpiryDays,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrValidation, field)
		}
	}

	seenCounts := map[int64]bool{}
	prev := int64(0)
	for _, m := range cfg.Milestones.Rewards {
		if m.DeliveryCount <= 0 || m.Points < 0 {
			return fmt.Errorf("%w: milestone (%d, %d) has non-positive key or negative points",
				ErrValidation, m.DeliveryCount, m.Points)
		}
		if seenCounts[m.DeliveryCount] {
			return fmt.Errorf("%w: duplicate milestone delivery count %d", ErrValidation, m.DeliveryCount)
		}
		if m.DeliveryCount < prev {
			return fmt.Errorf("%w: milestones must be ordered by delivery count", ErrValidation)
		}
		seenCounts[m.DeliveryCount] = true
		prev = m.DeliveryCount
	}

	seenRanks := map[int]bool{}
	for _, r := range cfg.LeaderboardRewards.Rewards {
		if r.Rank < 1 || r.Points < 0 {
			return fmt.Errorf("%w: leaderboard reward (rank %d, %d pts) invalid", ErrValidation, r.Rank, r.Points)
		}
		if seenRanks[r.Rank] {
			return fmt.Errorf("%w: duplicate leaderboard rank %d", ErrValidation, r.Rank)
		}
		seenRanks[r.Rank] = true
	}
	return nil
}
