package services

import (
	"strings"
	"testing"
	"time"

	"referral-rewards-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerState(t *testing.T, e *testEngine) []models.PointsLedgerEntry {
	t.Helper()
	var entries []models.PointsLedgerEntry
	require.NoError(t, e.db.Order("idempotency_key ASC").Find(&entries).Error)
	return entries
}

func TestReferralRedeemedCreatesReferral(t *testing.T) {
	e := newTestEngine(t, nil)
	refID := e.refer(t, "referrer-a", "referee-b")

	var ref models.Referral
	require.NoError(t, e.db.First(&ref, "id = ?", refID).Error)
	assert.Equal(t, "referrer-a", ref.ReferrerID)
	assert.Equal(t, models.ReferralStatusPending, ref.Status)

	var code models.ReferralCode
	require.NoError(t, e.db.First(&code, "driver_id = ?", "referrer-a").Error)
	assert.EqualValues(t, 1, code.TotalUses)
}

func TestReferralRedeemedReplayIsNoop(t *testing.T) {
	e := newTestEngine(t, nil)
	e.refer(t, "referrer-a", "referee-b")

	code, err := e.referrals.GetOrGenerateCode("referrer-a")
	require.NoError(t, err)
	res, err := e.evaluator.HandleReferralRedeemed(ReferralRedeemedEvent{
		ReferrerID: "referrer-a", RefereeID: "referee-b", Code: code.Code,
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	var refCount int64
	require.NoError(t, e.db.Model(&models.Referral{}).Count(&refCount).Error)
	assert.EqualValues(t, 1, refCount)

	var codeRow models.ReferralCode
	require.NoError(t, e.db.First(&codeRow, "code = ?", code.Code).Error)
	assert.EqualValues(t, 1, codeRow.TotalUses, "replay must not bump the use counter")
}

func TestReferralRedeemedRejectsSelfReferral(t *testing.T) {
	e := newTestEngine(t, nil)
	code, err := e.referrals.GetOrGenerateCode("driver-a")
	require.NoError(t, err)
	_, err = e.evaluator.HandleReferralRedeemed(ReferralRedeemedEvent{
		ReferrerID: "driver-a", RefereeID: "driver-a", Code: code.Code,
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestReferralRedeemedUnknownCode(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.evaluator.HandleReferralRedeemed(ReferralRedeemedEvent{
		ReferrerID: "a", RefereeID: "b", Code: "NOSUCHCODE",
	})
	require.ErrorIs(t, err, ErrNotFound)
}

// Scenario: requiredDeliveries=3, +15 referrer / +5 referee, exactly one
// activation pair, and replaying the threshold event changes nothing.
func TestActivationBonusFiresOnceAtThreshold(t *testing.T) {
	e := newTestEngine(t, nil)
	refID := e.refer(t, "driver-a", "driver-b")

	e.deliver(t, "driver-b", 1, 2)
	var activations int64
	require.NoError(t, e.db.Model(&models.PointsLedgerEntry{}).
		Where("kind = ?", models.PointsEntryActivation).Count(&activations).Error)
	assert.Zero(t, activations, "no activation before the threshold")

	e.deliver(t, "driver-b", 3, 3)

	var ref models.Referral
	require.NoError(t, e.db.First(&ref, "id = ?", refID).Error)
	assert.Equal(t, models.ReferralStatusActivated, ref.Status)
	require.NotNil(t, ref.ActivatedAt)
	assert.EqualValues(t, 3, ref.DeliveriesCompleted)

	balA, err := e.ledger.BalanceOf("driver-a")
	require.NoError(t, err)
	balB, err := e.ledger.BalanceOf("driver-b")
	require.NoError(t, err)
	// Referrer: 15 activation + 3×2 per-delivery. Referee: the welcome bonus.
	assert.EqualValues(t, 21, balA.AvailablePoints)
	assert.EqualValues(t, 5, balB.AvailablePoints)

	before := ledgerState(t, e)

	// Replay the threshold delivery: identical ledger, identical progress.
	res, err := e.evaluator.HandleDeliveryCompleted(DeliveryCompletedEvent{
		RefereeID: "driver-b", DeliveryID: deliveryID(3),
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, before, ledgerState(t, e))

	require.NoError(t, e.db.First(&ref, "id = ?", refID).Error)
	assert.EqualValues(t, 3, ref.DeliveriesCompleted)
}

func TestDeliveryByUnreferredDriverIsNoop(t *testing.T) {
	e := newTestEngine(t, nil)
	res, err := e.evaluator.HandleDeliveryCompleted(DeliveryCompletedEvent{
		RefereeID: "stranger", DeliveryID: "d-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Referred)
	assert.Empty(t, ledgerState(t, e))
}

// Scenario: maxDeliveriesPerReferee=100, referee completes 150 deliveries —
// the referrer earns per-delivery points for at most 100 of them.
func TestPerDeliveryRewardCapped(t *testing.T) {
	e := newTestEngine(t, nil)
	refID := e.refer(t, "driver-a", "driver-b")

	e.deliver(t, "driver-b", 1, 150)

	var perDelivery int64
	require.NoError(t, e.db.Model(&models.PointsLedgerEntry{}).
		Where("referral_id = ? AND kind = ?", refID, models.PointsEntryPerDelivery).
		Count(&perDelivery).Error)
	assert.EqualValues(t, 100, perDelivery)

	var ref models.Referral
	require.NoError(t, e.db.First(&ref, "id = ?", refID).Error)
	assert.EqualValues(t, 150, ref.DeliveriesCompleted)
	assert.Equal(t, models.ReferralStatusCompleted, ref.Status)
}

func TestMilestonesFireExactlyOnce(t *testing.T) {
	e := newTestEngine(t, nil)
	refID := e.refer(t, "driver-a", "driver-b")

	e.deliver(t, "driver-b", 1, 12)

	var milestones []models.PointsLedgerEntry
	require.NoError(t, e.db.Where("referral_id = ? AND kind = ?", refID, models.PointsEntryMilestone).
		Find(&milestones).Error)
	require.Len(t, milestones, 1)
	assert.EqualValues(t, 25, milestones[0].Amount)
	assert.Equal(t, "driver-a", milestones[0].DriverID)
}

// Scenario: budget 1500 with 1490 already spent — the activation award is
// denied, progress still advances, spend stays put and only a zero-amount
// audit entry records the drop.
func TestBudgetExceededDropsAwardWithAudit(t *testing.T) {
	cfg := testConfig()
	cfg.ProfitabilityControls.MonthlyReferralBudget = 1500
	cfg.PerDeliveryReward.Enabled = false
	cfg.Milestones.Enabled = false
	cfg.ActivationBonus.RequiredDeliveries = 1
	e := newTestEngine(t, cfg)

	period := currentPeriod()
	ok, err := e.budget.Reserve(e.db, e.cfg, period, 1490)
	require.NoError(t, err)
	require.True(t, ok)

	refID := e.refer(t, "driver-a", "driver-b")
	res, err := e.evaluator.HandleDeliveryCompleted(DeliveryCompletedEvent{
		RefereeID: "driver-b", DeliveryID: "d-1",
	})
	require.NoError(t, err)
	assert.True(t, res.BudgetDenied)
	assert.Zero(t, res.EntriesCreated)

	spent, err := e.budget.SpentThisPeriod(e.cfg.ID, period)
	require.NoError(t, err)
	assert.EqualValues(t, 1490, spent)

	var ref models.Referral
	require.NoError(t, e.db.First(&ref, "id = ?", refID).Error)
	assert.EqualValues(t, 1, ref.DeliveriesCompleted)
	assert.Equal(t, models.ReferralStatusActivated, ref.Status)

	entries := ledgerState(t, e)
	require.Len(t, entries, 1)
	assert.Equal(t, models.PointsEntryAdjustment, entries[0].Kind)
	assert.Zero(t, entries[0].Amount)

	for _, driver := range []string{"driver-a", "driver-b"} {
		bal, err := e.ledger.BalanceOf(driver)
		require.NoError(t, err)
		assert.Zero(t, bal.AvailablePoints)
	}
}

func TestRefereeCapDropsAwardWithAudit(t *testing.T) {
	cfg := testConfig()
	cfg.ProfitabilityControls.MaxPointsPerReferee = 20
	cfg.ActivationBonus.RequiredDeliveries = 1
	cfg.Milestones.Enabled = false
	e := newTestEngine(t, cfg)

	refID := e.refer(t, "driver-a", "driver-b")
	res, err := e.evaluator.HandleDeliveryCompleted(DeliveryCompletedEvent{
		RefereeID: "driver-b", DeliveryID: "d-1",
	})
	require.NoError(t, err)

	// Activation (15+5) exactly fills the cap; the per-delivery award for the
	// same event is capped to zero with an audit entry.
	assert.True(t, res.CapDenied)
	sum, err := e.ledger.SumForReferral(e.db, refID)
	require.NoError(t, err)
	assert.EqualValues(t, 20, sum)

	var audits int64
	require.NoError(t, e.db.Model(&models.PointsLedgerEntry{}).
		Where("kind = ? AND amount = 0", models.PointsEntryAdjustment).Count(&audits).Error)
	assert.EqualValues(t, 1, audits)
}

func TestNoActivePolicyStillAdvancesProgress(t *testing.T) {
	e := newTestEngine(t, nil)
	refID := e.refer(t, "driver-a", "driver-b")
	require.NoError(t, e.configs.SetStatus(e.cfg.ID, models.ConfigurationStatusInactive, "admin"))

	res, err := e.evaluator.HandleDeliveryCompleted(DeliveryCompletedEvent{
		RefereeID: "driver-b", DeliveryID: "d-1",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.DeliveriesCompleted)
	assert.Empty(t, ledgerState(t, e))

	var ref models.Referral
	require.NoError(t, e.db.First(&ref, "id = ?", refID).Error)
	assert.Equal(t, models.ReferralStatusInProgress, ref.Status)
}

// The ledger invariant: for every driver, available == lifetime − redemptions
// == signed sum of entries, no matter the event mix.
func TestLedgerConsistencyAcrossEventMix(t *testing.T) {
	e := newTestEngine(t, nil)
	e.refer(t, "driver-a", "driver-b")
	e.refer(t, "driver-a", "driver-c")
	e.deliver(t, "driver-b", 1, 15)
	e.deliver(t, "driver-c", 1, 4)

	for _, driver := range []string{"driver-a", "driver-b", "driver-c"} {
		cached, err := e.ledger.BalanceOf(driver)
		require.NoError(t, err)
		rebuilt, err := e.ledger.RebuildBalance(driver)
		require.NoError(t, err)
		assert.Equal(t, rebuilt.AvailablePoints, cached.AvailablePoints, driver)
		assert.Equal(t, rebuilt.LifetimePoints, cached.LifetimePoints, driver)

		var signedSum int64
		require.NoError(t, e.db.Model(&models.PointsLedgerEntry{}).
			Select("COALESCE(SUM(amount), 0)").
			Where("driver_id = ?", driver).Scan(&signedSum).Error)
		assert.Equal(t, signedSum, cached.AvailablePoints, driver)
	}
}

func TestReferralRedeemedNormalizesCode(t *testing.T) {
	e := newTestEngine(t, nil)
	code, err := e.referrals.GetOrGenerateCode("driver-a")
	require.NoError(t, err)

	res, err := e.evaluator.HandleReferralRedeemed(ReferralRedeemedEvent{
		ReferrerID: "driver-a",
		RefereeID:  "referee-1",
		Code:       "  " + strings.ToLower(code.Code) + " ",
	})
	require.NoError(t, err)
	assert.True(t, res.Referred)

	// The canonical form hits the same event key, so this is a replay.
	res, err = e.evaluator.HandleReferralRedeemed(ReferralRedeemedEvent{
		ReferrerID: "driver-a", RefereeID: "referee-1", Code: code.Code,
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestReferralRedeemedRejectsExpiredCode(t *testing.T) {
	cfg := testConfig()
	cfg.TimeLimits.ReferralCodeExpiryDays = 30
	e := newTestEngine(t, cfg)

	code, err := e.referrals.GetOrGenerateCode("driver-a")
	require.NoError(t, err)
	old := time.Now().AddDate(0, 0, -31)
	require.NoError(t, e.db.Model(&models.ReferralCode{}).
		Where("id = ?", code.ID).Update("created_at", old).Error)

	_, err = e.evaluator.HandleReferralRedeemed(ReferralRedeemedEvent{
		ReferrerID: "driver-a", RefereeID: "referee-1", Code: code.Code,
	})
	require.ErrorIs(t, err, ErrValidation)

	var refs int64
	require.NoError(t, e.db.Model(&models.Referral{}).Count(&refs).Error)
	assert.Zero(t, refs)
}

// A referral that reaches the threshold after the bonus window closed still
// activates, but the bonus legs are replaced by a single audit entry.
func TestActivationBonusWindowExpired(t *testing.T) {
	cfg := testConfig()
	cfg.TimeLimits.ActivationBonusExpiryDays = 7
	e := newTestEngine(t, cfg)
	refID := e.refer(t, "driver-a", "driver-b")

	old := time.Now().AddDate(0, 0, -8)
	require.NoError(t, e.db.Model(&models.Referral{}).
		Where("id = ?", refID).Update("created_at", old).Error)

	e.deliver(t, "driver-b", 1, 3)

	var ref models.Referral
	require.NoError(t, e.db.First(&ref, "id = ?", refID).Error)
	assert.Equal(t, models.ReferralStatusActivated, ref.Status)
	require.NotNil(t, ref.ActivatedAt)

	var activations int64
	require.NoError(t, e.db.Model(&models.PointsLedgerEntry{}).
		Where("kind = ?", models.PointsEntryActivation).Count(&activations).Error)
	assert.Zero(t, activations, "no bonus outside the window")

	var audits []models.PointsLedgerEntry
	require.NoError(t, e.db.Where("kind = ?", models.PointsEntryAdjustment).Find(&audits).Error)
	require.Len(t, audits, 1)
	assert.Zero(t, audits[0].Amount)
	assert.Contains(t, audits[0].Description, "window expired")

	// Per-delivery earnings are unaffected by the bonus window.
	balA, err := e.ledger.BalanceOf("driver-a")
	require.NoError(t, err)
	balB, err := e.ledger.BalanceOf("driver-b")
	require.NoError(t, err)
	assert.EqualValues(t, 6, balA.AvailablePoints)
	assert.Zero(t, balB.AvailablePoints)
}
