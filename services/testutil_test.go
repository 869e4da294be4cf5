package services

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"referral-rewards-engine/models"
	"referral-rewards-engine/utils"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.ReferralCode{},
		&models.Referral{},
		&models.RewardConfiguration{},
		&models.ConfigurationAudit{},
		&models.PointsLedgerEntry{},
		&models.PointsBalance{},
		&models.ProcessedEvent{},
		&models.BudgetPeriod{},
		&models.LeaderboardEntry{},
		&models.RedemptionRequest{},
	))
	return db
}

// testConfig mirrors the policy used throughout the scenarios: 3 deliveries to
// activate for +15/+5, 2 points per delivery capped at 100, milestones at 10
// and 50, leaderboard rewards for the top three.
func testConfig() *models.RewardConfiguration {
	return &models.RewardConfiguration{
		Name:  "Default program",
		Scope: "default",
		ActivationBonus: models.ActivationBonusRules{
			Enabled:            true,
			RequiredDeliveries: 3,
			ReferrerPoints:     15,
			RefereePoints:      5,
		},
		PerDeliveryReward: models.PerDeliveryRules{
			Enabled:                 true,
			ReferrerPoints:          2,
			MaxDeliveriesPerReferee: 100,
		},
		Milestones: models.MilestoneRules{
			Enabled: true,
			Rewards: []models.MilestoneReward{
				{DeliveryCount: 10, Points: 25, Description: "10 deliveries"},
				{DeliveryCount: 50, Points: 100, Description: "50 deliveries"},
			},
		},
		LeaderboardRewards: models.LeaderboardRules{
			Enabled: true,
			Rewards: []models.LeaderboardReward{
				{Rank: 1, Points: 300},
				{Rank: 2, Points: 150},
				{Rank: 3, Points: 75},
			},
		},
		ProfitabilityControls: models.ProfitabilityControls{
			MaxPointsPerReferee:         1000,
			MonthlyReferralBudget:       10000,
			MaxReferralBudgetPercentage: 10,
		},
		RedemptionSettings: models.RedemptionSettings{
			MinimumPointsForCashout: 50,
			CashoutFee:              0,
			MaxCashoutsPerMonth:     3,
			AllowFreeDeliveries:     true,
			PointsPerFreeDelivery:   20,
		},
	}
}

type testEngine struct {
	db          *gorm.DB
	configs     *ConfigService
	ledger      *LedgerService
	budget      *BudgetService
	evaluator   *EvaluatorService
	leaderboard *LeaderboardService
	redemptions *RedemptionService
	referrals   *ReferralService
	cfg         *models.RewardConfiguration
}

// newTestEngine wires every service against one in-memory DB and activates the
// given configuration (testConfig() when nil).
func newTestEngine(t *testing.T, cfg *models.RewardConfiguration) *testEngine {
	t.Helper()
	db := newTestDB(t)
	e := &testEngine{
		db:      db,
		configs: NewConfigService(db),
		ledger:  NewLedgerService(db),
		budget:  NewBudgetService(db),
	}
	e.evaluator = NewEvaluatorService(db, e.configs, e.ledger, e.budget, "default")
	e.leaderboard = NewLeaderboardService(db, e.configs, e.ledger, e.budget, "default")
	e.redemptions = NewRedemptionService(db, e.configs, e.ledger, "default")
	e.referrals = NewReferralService(db, e.configs, e.ledger, "default")

	if cfg == nil {
		cfg = testConfig()
	}
	id, err := e.configs.Create(cfg)
	require.NoError(t, err)
	require.NoError(t, e.configs.SetStatus(id, models.ConfigurationStatusActive, "test-admin"))
	active, err := e.configs.GetActive("default")
	require.NoError(t, err)
	e.cfg = active
	return e
}

// refer creates the referral relationship referrer → referee through the
// normal event path.
func (e *testEngine) refer(t *testing.T, referrerID, refereeID string) string {
	t.Helper()
	code, err := e.referrals.GetOrGenerateCode(referrerID)
	require.NoError(t, err)
	res, err := e.evaluator.HandleReferralRedeemed(ReferralRedeemedEvent{
		ReferrerID: referrerID,
		RefereeID:  refereeID,
		Code:       code.Code,
	})
	require.NoError(t, err)
	require.True(t, res.Referred)
	return res.ReferralID
}

// deliver replays n delivery completions for a referee with distinct ids.
func (e *testEngine) deliver(t *testing.T, refereeID string, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		_, err := e.evaluator.HandleDeliveryCompleted(DeliveryCompletedEvent{
			RefereeID:  refereeID,
			DeliveryID: deliveryID(i),
		})
		require.NoError(t, err)
	}
}

func deliveryID(i int) string {
	return fmt.Sprintf("delivery-%04d", i)
}

func currentPeriod() string {
	return utils.PeriodKey(time.Now())
}
