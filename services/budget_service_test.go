package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestBudgetReserveCheckAndIncrement(t *testing.T) {
	e := newTestEngine(t, nil) // budget 10000
	period := currentPeriod()

	ok, err := e.budget.Reserve(e.db, e.cfg, period, 9990)
	require.NoError(t, err)
	assert.True(t, ok)

	// 9990 + 20 would overshoot: denied, counter untouched.
	ok, err = e.budget.Reserve(e.db, e.cfg, period, 20)
	require.NoError(t, err)
	assert.False(t, ok)

	spent, err := e.budget.SpentThisPeriod(e.cfg.ID, period)
	require.NoError(t, err)
	assert.EqualValues(t, 9990, spent)

	// An exact fit still passes.
	ok, err = e.budget.Reserve(e.db, e.cfg, period, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	spent, err = e.budget.SpentThisPeriod(e.cfg.ID, period)
	require.NoError(t, err)
	assert.EqualValues(t, 10000, spent)
}

func TestBudgetPeriodsAreIndependent(t *testing.T) {
	e := newTestEngine(t, nil)

	ok, err := e.budget.Reserve(e.db, e.cfg, "2025-08", 10000)
	require.NoError(t, err)
	require.True(t, ok)

	// The next month starts from zero.
	ok, err = e.budget.Reserve(e.db, e.cfg, "2025-09", 500)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBudgetZeroMeansUnlimited(t *testing.T) {
	cfg := testConfig()
	cfg.ProfitabilityControls.MonthlyReferralBudget = 0
	e := newTestEngine(t, cfg)

	ok, err := e.budget.Reserve(e.db, e.cfg, currentPeriod(), 1_000_000)
	require.NoError(t, err)
	assert.True(t, ok)

	spent, err := e.budget.SpentThisPeriod(e.cfg.ID, currentPeriod())
	require.NoError(t, err)
	assert.Zero(t, spent, "unlimited budgets keep no counter")
}

func TestBudgetReserveRollsBackWithTransaction(t *testing.T) {
	e := newTestEngine(t, nil)
	period := currentPeriod()

	err := e.db.Transaction(func(tx *gorm.DB) error {
		ok, err := e.budget.Reserve(tx, e.cfg, period, 500)
		require.NoError(t, err)
		require.True(t, ok)
		return assert.AnError // force rollback
	})
	require.Error(t, err)

	spent, err := e.budget.SpentThisPeriod(e.cfg.ID, period)
	require.NoError(t, err)
	assert.Zero(t, spent, "a rolled-back reservation must not stick")
}

func TestProfitabilityView(t *testing.T) {
	cfg := testConfig()
	cfg.ActivationBonus.RequiredDeliveries = 1
	cfg.Milestones.Enabled = false
	e := newTestEngine(t, cfg)

	e.refer(t, "driver-a", "driver-b")
	e.deliver(t, "driver-b", 1, 1) // 15+5 activation, 2 per-delivery

	view, err := e.budget.Profitability(e.cfg, currentPeriod())
	require.NoError(t, err)
	assert.EqualValues(t, 22, view.PointsAwarded)
	assert.EqualValues(t, 10000, view.BudgetPoints)
	assert.EqualValues(t, 10000-22, view.Net)
	// maxReferralBudgetPercentage=10 → the budget implies 100k revenue.
	assert.EqualValues(t, 100000, view.RevenueFloor)
	assert.InDelta(t, 0.0022, view.BudgetUtilization, 0.0001)
	assert.Zero(t, view.PointsRedeemed)
}
