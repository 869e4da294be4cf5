// services/scheduler.go
package services

import (
	"errors"
	"log"
	"time"

	"referral-rewards-engine/utils"

	"github.com/go-co-op/gocron/v2"
)

// StartPeriodScheduler runs the periodic jobs: closing the previous month's
// leaderboard and sweeping expired referral codes. Both jobs are idempotent,
// so the cadence is a tuning knob, not a correctness one.
func (s *LeaderboardService) StartPeriodScheduler(referrals *ReferralService) {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every hour: make sure the previous period is closed. Re-runs are no-ops
	// thanks to the rank+period idempotency keys.
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			period := utils.PreviousPeriodKey(time.Now())
			if err := s.RunForPeriod(period); err != nil {
				if errors.Is(err, ErrNotFound) {
					return // no active configuration yet
				}
				log.Printf("[SCHEDULER] Leaderboard close for %s failed: %v", period, err)
				return
			}
		}),
	)

	// Daily: deactivate referral codes past the policy's expiry window.
	_, _ = sched.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() {
			n, err := referrals.ExpireCodes()
			if err != nil {
				log.Printf("[SCHEDULER] Code expiry sweep failed: %v", err)
				return
			}
			if n > 0 {
				log.Printf("[SCHEDULER] Deactivated %d expired referral code(s)", n)
			}
		}),
	)
}
