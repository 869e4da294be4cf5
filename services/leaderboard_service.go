// services/leaderboard_service.go
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

// LeaderboardService aggregates the immutable ledger for a closed period,
// ranks referrers and pays configured rank rewards. Safe to run any number of
// times per period: rank payouts are keyed by (period, rank) so a re-run can
// never pay twice, and snapshots are upserts.
type LeaderboardService struct {
	DB      *gorm.DB
	Configs *ConfigService
	Ledger  *LedgerService
	Budget  *BudgetService
	Scope   string
}

func NewLeaderboardService(db *gorm.DB, configs *ConfigService, ledger *LedgerService, budget *BudgetService, scope string) *LeaderboardService {
	return &LeaderboardService{DB: db, Configs: configs, Ledger: ledger, Budget: budget, Scope: scope}
}

type leaderboardRow struct {
	DriverID       string
	TotalPoints    int64
	TotalReferrals int64
}

// rankedRows groups referrer-side earnings for a period. Only entries credited
// to the referrer of their referral count, so a referee's own welcome bonus
// never ranks them. Ties break on earliest accrual, then driver id — a
// deterministic, documented policy choice.
func (s *LeaderboardService) rankedRows(tx *gorm.DB, periodKey string) ([]leaderboardRow, error) {
	var rows []leaderboardRow
	err := tx.Raw(`
		SELECT e.driver_id AS driver_id,
		       SUM(e.amount) AS total_points,
		       COUNT(DISTINCT e.referral_id) AS total_referrals
		FROM points_ledger_entries e
		JOIN referrals r ON r.id = e.referral_id AND r.referrer_id = e.driver_id
		WHERE e.period_key = ?
		  AND e.kind IN (?, ?, ?)
		  AND e.amount > 0
		GROUP BY e.driver_id
		ORDER BY total_points DESC, MIN(e.created_at) ASC, driver_id ASC`,
		periodKey,
		models.PointsEntryActivation, models.PointsEntryPerDelivery, models.PointsEntryMilestone,
	).Scan(&rows).Error
	return rows, err
}

// RunForPeriod closes a period: persists one LeaderboardEntry per ranked driver
// and emits the configured rank rewards through the ledger.
func (s *LeaderboardService) RunForPeriod(periodKey string) error {
	cfg, err := s.Configs.GetActive(s.Scope)
	if err != nil {
		return err
	}

	rewardByRank := map[int]models.LeaderboardReward{}
	if cfg.LeaderboardRewards.Enabled {
		for _, r := range cfg.LeaderboardRewards.Rewards {
			rewardByRank[r.Rank] = r
		}
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		rows, err := s.rankedRows(tx, periodKey)
		if err != nil {
			return err
		}

		paid := 0
		for i, row := range rows {
			rank := i + 1
			reward, hasReward := rewardByRank[rank]

			entry := models.LeaderboardEntry{
				ID:             uuid.NewString(),
				PeriodKey:      periodKey,
				DriverID:       row.DriverID,
				TotalReferrals: row.TotalReferrals,
				TotalPoints:    row.TotalPoints,
				Rank:           rank,
			}
			if hasReward {
				entry.MonthlyReward = reward.Points
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "period_key"}, {Name: "driver_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"total_referrals", "total_points", "rank", "monthly_reward", "updated_at",
				}),
			}).Create(&entry).Error; err != nil {
				return err
			}

			if !hasReward || reward.Points <= 0 {
				continue
			}

			// A rank is paid at most once per period. Check before reserving so a
			// re-run does not double-book the budget for an already paid rank.
			key := fmt.Sprintf("leaderboard:%s:rank:%d", periodKey, rank)
			var existing models.PointsLedgerEntry
			err = tx.First(&existing, "idempotency_key = ?", key).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			approved, err := s.Budget.Reserve(tx, cfg, utils.PeriodKey(time.Now()), reward.Points)
			if err != nil {
				return err
			}
			if !approved {
				log.Printf("[LEADERBOARD] Rank %d reward for %s skipped: %v", rank, periodKey, ErrBudgetExceeded)
				continue
			}

			desc := reward.Description
			if desc == "" {
				desc = fmt.Sprintf("Leaderboard rank %d for %s", rank, periodKey)
			}
			if _, _, err := s.Ledger.Append(tx, &models.PointsLedgerEntry{
				DriverID:       row.DriverID,
				Amount:         reward.Points,
				Kind:           models.PointsEntryLeaderboard,
				Description:    desc,
				ConfigID:       cfg.ID,
				PeriodKey:      utils.PeriodKey(time.Now()),
				IdempotencyKey: key,
			}); err != nil {
				return err
			}
			paid++
		}

		log.Printf("[LEADERBOARD] Period %s closed: %d drivers ranked, %d rewards paid", periodKey, len(rows), paid)
		return nil
	})
}

// Current returns the persisted standings for a period, rank order.
func (s *LeaderboardService) Current(periodKey string) ([]models.LeaderboardEntry, error) {
	var entries []models.LeaderboardEntry
	err := s.DB.Where("period_key = ?", periodKey).Order("rank ASC").Find(&entries).Error
	return entries, err
}

// Preview ranks the running period from the live ledger without paying or
// persisting anything — the portal's "this month so far" view.
func (s *LeaderboardService) Preview(periodKey string) ([]models.LeaderboardEntry, error) {
	rows, err := s.rankedRows(s.DB, periodKey)
	if err != nil {
		return nil, err
	}
	entries := make([]models.LeaderboardEntry, len(rows))
	for i, row := range rows {
		entries[i] = models.LeaderboardEntry{
			PeriodKey:      periodKey,
			DriverID:       row.DriverID,
			TotalReferrals: row.TotalReferrals,
			TotalPoints:    row.TotalPoints,
			Rank:           i + 1,
		}
	}
	return entries, nil
}
