// services/evaluator_service.go
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
	"gorm.io/gorm/clause"
)

// ReferralRedeemedEvent arrives from onboarding when a new driver registers
// with a referral code.
type ReferralRedeemedEvent struct {
	ReferrerID string `json:"referrer_id"`
	RefereeID  string `json:"referee_id"`
	Code       string `json:"code"`
}

// DeliveryCompletedEvent arrives from the dispatch system, at-least-once.
type DeliveryCompletedEvent struct {
	RefereeID  string `json:"referee_id"`
	DeliveryID string `json:"delivery_id"`
}

// EvaluationResult reports what a single event did, so ingestion callers get a
// definitive outcome even when individual awards were capped or budget-denied.
type EvaluationResult struct {
	Referred            bool   `json:"referred"`
	ReferralID          string `json:"referral_id,omitempty"`
	DeliveriesCompleted int64  `json:"deliveries_completed,omitempty"`
	Activated           bool   `json:"activated"`
	EntriesCreated      int    `json:"entries_created"`
	BudgetDenied        bool   `json:"budget_denied"`
	CapDenied           bool   `json:"cap_denied"`
	Duplicate           bool   `json:"duplicate"`
}

// EvaluatorService consumes referral/delivery lifecycle events, applies the
// active configuration and emits ledger entries. Every event is processed in
// one transaction: all of its emissions commit or none do.
type EvaluatorService struct {
	DB      *gorm.DB
	Configs *ConfigService
	Ledger  *LedgerService
	Budget  *BudgetService
	Scope   string
}

func NewEvaluatorService(db *gorm.DB, configs *ConfigService, ledger *LedgerService, budget *BudgetService, scope string) *EvaluatorService {
	return &EvaluatorService{DB: db, Configs: configs, Ledger: ledger, Budget: budget, Scope: scope}
}

// markProcessed claims an event key. Returns false when the key was already
// claimed (replay). Runs on the event's transaction, so a rolled-back event
// stays claimable for the sender's retry.
func (s *EvaluatorService) markProcessed(tx *gorm.DB, key, eventType, refereeID string) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ProcessedEvent{
		EventKey:  key,
		EventType: eventType,
		RefereeID: refereeID,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// HandleReferralRedeemed creates the referral relationship and bumps the code's
// use counter. Safe to re-invoke: a replayed event is a no-op success.
func (s *EvaluatorService) HandleReferralRedeemed(ev ReferralRedeemedEvent) (*EvaluationResult, error) {
	ev.Code = NormalizeCode(ev.Code)
	if ev.RefereeID == "" || ev.Code == "" {
		return nil, fmt.Errorf("%w: referee id and code are required", ErrValidation)
	}
	result := &EvaluationResult{}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		fresh, err := s.markProcessed(tx, fmt.Sprintf("referral:%s:%s", ev.RefereeID, ev.Code), "referral_redeemed", ev.RefereeID)
		if err != nil {
			return err
		}
		if !fresh {
			result.Duplicate = true
			return nil
		}

		var code models.ReferralCode
		if err := tx.First(&code, "code = ?", ev.Code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: referral code %q", ErrNotFound, ev.Code)
			}
			return err
		}
		if code.Status != models.ReferralCodeStatusActive {
			return fmt.Errorf("%w: referral code %q is inactive", ErrValidation, ev.Code)
		}
		if code.DriverID == ev.RefereeID {
			return fmt.Errorf("%w: drivers cannot refer themselves", ErrValidation)
		}
		if cfg, err := s.Configs.GetActive(s.Scope); err == nil {
			if days := cfg.TimeLimits.ReferralCodeExpiryDays; days > 0 {
				if time.Now().After(code.CreatedAt.AddDate(0, 0, int(days))) {
					return fmt.Errorf("%w: referral code %q has expired", ErrValidation, ev.Code)
				}
			}
		}

		// One referral per referee, ever. A second redemption with a different
		// code is treated like a replay rather than an overwrite.
		var existing models.Referral
		if err := tx.First(&existing, "referee_id = ?", ev.RefereeID).Error; err == nil {
			result.Duplicate = true
			result.Referred = true
			result.ReferralID = existing.ID
			return nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		ref := models.Referral{
			ID:         uuid.NewString(),
			ReferrerID: code.DriverID,
			RefereeID:  ev.RefereeID,
			CodeUsed:   code.Code,
			Status:     models.ReferralStatusPending,
		}
		if err := tx.Create(&ref).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ReferralCode{}).
			Where("id = ?", code.ID).
			Update("total_uses", gorm.Expr("total_uses + 1")).Error; err != nil {
			return err
		}

		result.Referred = true
		result.ReferralID = ref.ID
		log.Printf("[EVALUATOR] Referral created: %s referred %s via %s", ref.ReferrerID, ref.RefereeID, code.Code)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HandleDeliveryCompleted advances the referee's progress and emits whatever
// the active policy owes for this delivery: the activation bonus at the
// threshold, the ongoing per-delivery reward below its cap, and any milestone
// matching the new count. Awards are gated by the per-referee cap and the
// monthly budget; a denied award is dropped with a zero-amount audit entry
// while the rest of the event proceeds.
func (s *EvaluatorService) HandleDeliveryCompleted(ev DeliveryCompletedEvent) (*EvaluationResult, error) {
	if ev.RefereeID == "" || ev.DeliveryID == "" {
		return nil, fmt.Errorf("%w: referee id and delivery id are required", ErrValidation)
	}
	result := &EvaluationResult{}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		fresh, err := s.markProcessed(tx, fmt.Sprintf("delivery:%s:%s", ev.RefereeID, ev.DeliveryID), "delivery_completed", ev.RefereeID)
		if err != nil {
			return err
		}
		if !fresh {
			result.Duplicate = true
			return nil
		}

		var ref models.Referral
		if err := tx.First(&ref, "referee_id = ?", ev.RefereeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Referee was not referred — nothing to evaluate.
				log.Printf("[EVALUATOR] Delivery %s by unreferred driver %s, ignoring", ev.DeliveryID, ev.RefereeID)
				return nil
			}
			return err
		}

		result.Referred = true
		result.ReferralID = ref.ID
		ref.DeliveriesCompleted++
		result.DeliveriesCompleted = ref.DeliveriesCompleted

		cfg, cfgErr := s.Configs.GetActive(s.Scope)
		if cfgErr != nil {
			// No active policy: progress still advances, nothing pays out.
			if ref.Status == models.ReferralStatusPending {
				ref.Status = models.ReferralStatusInProgress
			}
			return tx.Save(&ref).Error
		}
		periodKey := utils.PeriodKey(time.Now())

		if ref.Status == models.ReferralStatusPending {
			ref.Status = models.ReferralStatusInProgress
		}

		// Activation at the configured threshold.
		if ref.Status == models.ReferralStatusInProgress &&
			cfg.ActivationBonus.RequiredDeliveries > 0 &&
			ref.DeliveriesCompleted >= cfg.ActivationBonus.RequiredDeliveries {
			now := time.Now()
			ref.Status = models.ReferralStatusActivated
			ref.ActivatedAt = &now
			result.Activated = true

			if cfg.ActivationBonus.Enabled {
				if err := s.payActivationBonus(tx, cfg, &ref, periodKey, result); err != nil {
					return err
				}
			}
		}

		// Ongoing per-delivery reward, below the per-referee delivery cap.
		if cfg.PerDeliveryReward.Enabled && cfg.PerDeliveryReward.ReferrerPoints > 0 {
			paid, err := s.Ledger.CountPerDelivery(tx, ref.ID)
			if err != nil {
				return err
			}
			if paid < cfg.PerDeliveryReward.MaxDeliveriesPerReferee {
				key := fmt.Sprintf("perdelivery:%s:%s", ref.ID, ev.DeliveryID)
				if err := s.payGated(tx, cfg, &ref, ref.ReferrerID, cfg.PerDeliveryReward.ReferrerPoints,
					models.PointsEntryPerDelivery,
					fmt.Sprintf("Delivery #%d by referred driver", ref.DeliveriesCompleted),
					key, periodKey, result); err != nil {
					return err
				}
				if paid+1 >= cfg.PerDeliveryReward.MaxDeliveriesPerReferee && ref.Status == models.ReferralStatusActivated {
					ref.Status = models.ReferralStatusCompleted
				}
			}
		}

		// Milestones fire at most once, keyed by their delivery count.
		if cfg.Milestones.Enabled {
			for _, m := range cfg.Milestones.Rewards {
				if m.DeliveryCount != ref.DeliveriesCompleted {
					continue
				}
				desc := m.Description
				if desc == "" {
					desc = fmt.Sprintf("Milestone: %d deliveries", m.DeliveryCount)
				}
				key := fmt.Sprintf("milestone:%s:%d", ref.ID, m.DeliveryCount)
				if err := s.payGated(tx, cfg, &ref, ref.ReferrerID, m.Points,
					models.PointsEntryMilestone, desc, key, periodKey, result); err != nil {
					return err
				}
			}
		}

		return tx.Save(&ref).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// payActivationBonus emits the referrer and referee activation entries as one
// unit: both pass the cap and budget gates together or neither is written.
func (s *EvaluatorService) payActivationBonus(tx *gorm.DB, cfg *models.RewardConfiguration, ref *models.Referral, periodKey string, result *EvaluationResult) error {
	if days := cfg.TimeLimits.ActivationBonusExpiryDays; days > 0 {
		if time.Now().After(ref.CreatedAt.AddDate(0, 0, int(days))) {
			return s.audit(tx, cfg, ref, ref.ReferrerID,
				"Activation bonus window expired",
				fmt.Sprintf("audit:activation:%s:expired", ref.ID), periodKey)
		}
	}

	total := cfg.ActivationBonus.ReferrerPoints + cfg.ActivationBonus.RefereePoints
	ok, reason, err := s.gate(tx, cfg, ref, total, periodKey)
	if err != nil {
		return err
	}
	if !ok {
		s.noteDenial(reason, result)
		return s.audit(tx, cfg, ref, ref.ReferrerID,
			fmt.Sprintf("Activation bonus dropped: %s", reason),
			fmt.Sprintf("audit:activation:%s:%s", ref.ID, reason), periodKey)
	}

	for _, leg := range []struct {
		driver string
		amount int64
		key    string
		desc   string
	}{
		{ref.ReferrerID, cfg.ActivationBonus.ReferrerPoints,
			fmt.Sprintf("activation:%s:referrer", ref.ID), "Referral activated: referrer bonus"},
		{ref.RefereeID, cfg.ActivationBonus.RefereePoints,
			fmt.Sprintf("activation:%s:referee", ref.ID), "Referral activated: welcome bonus"},
	} {
		if leg.amount <= 0 {
			continue
		}
		_, created, err := s.Ledger.Append(tx, &models.PointsLedgerEntry{
			DriverID:       leg.driver,
			Amount:         leg.amount,
			Kind:           models.PointsEntryActivation,
			Description:    leg.desc,
			ReferralID:     &ref.ID,
			ConfigID:       cfg.ID,
			PeriodKey:      periodKey,
			IdempotencyKey: leg.key,
		})
		if err != nil {
			return err
		}
		if created {
			result.EntriesCreated++
		}
	}
	return nil
}

// payGated emits one gated earning entry for the referrer side.
func (s *EvaluatorService) payGated(tx *gorm.DB, cfg *models.RewardConfiguration, ref *models.Referral, driverID string, amount int64, kind models.PointsEntryKind, desc, key, periodKey string, result *EvaluationResult) error {
	if amount <= 0 {
		return nil
	}
	ok, reason, err := s.gate(tx, cfg, ref, amount, periodKey)
	if err != nil {
		return err
	}
	if !ok {
		s.noteDenial(reason, result)
		return s.audit(tx, cfg, ref, driverID,
			fmt.Sprintf("%s award dropped: %s", kind, reason),
			key+":"+reason, periodKey)
	}
	_, created, err := s.Ledger.Append(tx, &models.PointsLedgerEntry{
		DriverID:       driverID,
		Amount:         amount,
		Kind:           kind,
		Description:    desc,
		ReferralID:     &ref.ID,
		ConfigID:       cfg.ID,
		PeriodKey:      periodKey,
		IdempotencyKey: key,
	})
	if err != nil {
		return err
	}
	if created {
		result.EntriesCreated++
	}
	return nil
}

// gate runs the per-referee cap then the budget reservation, in that order.
// The budget is only touched once the cap has passed, so a capped award never
// consumes budget.
func (s *EvaluatorService) gate(tx *gorm.DB, cfg *models.RewardConfiguration, ref *models.Referral, amount int64, periodKey string) (bool, string, error) {
	if max := cfg.ProfitabilityControls.MaxPointsPerReferee; max > 0 {
		sum, err := s.Ledger.SumForReferral(tx, ref.ID)
		if err != nil {
			return false, "", err
		}
		if sum+amount > max {
			return false, "cap", nil
		}
	}
	approved, err := s.Budget.Reserve(tx, cfg, periodKey, amount)
	if err != nil {
		return false, "", err
	}
	if !approved {
		return false, "budget", nil
	}
	return true, "", nil
}

// audit records a zero-amount adjustment entry so a dropped award stays
// traceable in the ledger.
func (s *EvaluatorService) audit(tx *gorm.DB, cfg *models.RewardConfiguration, ref *models.Referral, driverID, desc, key, periodKey string) error {
	_, _, err := s.Ledger.Append(tx, &models.PointsLedgerEntry{
		DriverID:       driverID,
		Amount:         0,
		Kind:           models.PointsEntryAdjustment,
		Description:    desc,
		ReferralID:     &ref.ID,
		ConfigID:       cfg.ID,
		PeriodKey:      periodKey,
		IdempotencyKey: key,
	})
	return err
}

func (s *EvaluatorService) noteDenial(reason string, result *EvaluationResult) {
	switch reason {
	case "budget":
		result.BudgetDenied = true
		log.Printf("[EVALUATOR] Award dropped: %v", ErrBudgetExceeded)
	case "cap":
		result.CapDenied = true
		log.Printf("[EVALUATOR] Award dropped: %v", ErrCapExceeded)
	}
}
