package workers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"referral-rewards-engine/models"
	"referral-rewards-engine/services"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type harness struct {
	db         *gorm.DB
	evaluator  *services.EvaluatorService
	referrals  *services.ReferralService
	dispatcher *EventDispatcher
}

func newHarness(t *testing.T, workers, queueSize int) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "workers.db")), &gorm.Config{
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
	))

	configs := services.NewConfigService(db)
	ledger := services.NewLedgerService(db)
	budget := services.NewBudgetService(db)
	evaluator := services.NewEvaluatorService(db, configs, ledger, budget, "default")
	referrals := services.NewReferralService(db, configs, ledger, "default")

	id, err := configs.Create(&models.RewardConfiguration{
		Name:  "Dispatcher program",
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
		ProfitabilityControls: models.ProfitabilityControls{
			MaxPointsPerReferee:   1000,
			MonthlyReferralBudget: 10000,
		},
	})
	require.NoError(t, err)
	require.NoError(t, configs.SetStatus(id, models.ConfigurationStatusActive, "test-admin"))

	return &harness{
		db:         db,
		evaluator:  evaluator,
		referrals:  referrals,
		dispatcher: NewEventDispatcher(evaluator, workers, queueSize),
	}
}

func TestDispatcherProcessesEvents(t *testing.T) {
	h := newHarness(t, 4, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.dispatcher.Start(ctx)

	code, err := h.referrals.GetOrGenerateCode("driver-a")
	require.NoError(t, err)

	res, err := h.dispatcher.ProcessReferralRedeemed(ctx, services.ReferralRedeemedEvent{
		ReferrerID: "driver-a",
		RefereeID:  "referee-1",
		Code:       code.Code,
	})
	require.NoError(t, err)
	assert.True(t, res.Referred)

	res, err = h.dispatcher.ProcessDeliveryCompleted(ctx, services.DeliveryCompletedEvent{
		RefereeID:  "referee-1",
		DeliveryID: "delivery-1",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.DeliveriesCompleted)
}

// Concurrent senders for one referee all land on the same shard, so progress
// counts stay exact even without a global lock.
func TestDispatcherSerializesPerReferee(t *testing.T) {
	h := newHarness(t, 4, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.dispatcher.Start(ctx)

	code, err := h.referrals.GetOrGenerateCode("driver-a")
	require.NoError(t, err)
	_, err = h.dispatcher.ProcessReferralRedeemed(ctx, services.ReferralRedeemedEvent{
		ReferrerID: "driver-a",
		RefereeID:  "referee-1",
		Code:       code.Code,
	})
	require.NoError(t, err)

	const deliveries = 10
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := h.dispatcher.ProcessDeliveryCompleted(ctx, services.DeliveryCompletedEvent{
				RefereeID:  "referee-1",
				DeliveryID: string(rune('a' + n)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var ref models.Referral
	require.NoError(t, h.db.First(&ref, "referee_id = ?", "referee-1").Error)
	assert.EqualValues(t, deliveries, ref.DeliveriesCompleted)
	assert.Equal(t, models.ReferralStatusActivated, ref.Status)
}

func TestDispatcherEnqueueFireAndForget(t *testing.T) {
	h := newHarness(t, 2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.dispatcher.Start(ctx)

	code, err := h.referrals.GetOrGenerateCode("driver-a")
	require.NoError(t, err)
	_, err = h.dispatcher.ProcessReferralRedeemed(ctx, services.ReferralRedeemedEvent{
		ReferrerID: "driver-a",
		RefereeID:  "referee-1",
		Code:       code.Code,
	})
	require.NoError(t, err)

	require.NoError(t, h.dispatcher.EnqueueDeliveryCompleted(services.DeliveryCompletedEvent{
		RefereeID: "referee-1", DeliveryID: "d1",
	}))

	assert.Eventually(t, func() bool {
		var ref models.Referral
		if err := h.db.First(&ref, "referee_id = ?", "referee-1").Error; err != nil {
			return false
		}
		return ref.DeliveriesCompleted == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDispatcherQueueFull(t *testing.T) {
	// Single shard with a one-slot queue and no workers started. The first
	// call's cancelled context lets it return while its job stays queued, so
	// the second enqueue must fail fast instead of blocking ingestion.
	h := newHarness(t, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.dispatcher.ProcessDeliveryCompleted(ctx, services.DeliveryCompletedEvent{
		RefereeID: "referee-1", DeliveryID: "d1",
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = h.dispatcher.ProcessDeliveryCompleted(context.Background(), services.DeliveryCompletedEvent{
		RefereeID: "referee-1", DeliveryID: "d2",
	})
	require.ErrorIs(t, err, ErrQueueFull)
}
