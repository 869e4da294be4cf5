// handlers/driver_routes.go
package handlers

import (
	"errors"
	"strconv"
	"time"

	"referral-rewards-engine/middleware"
	"referral-rewards-engine/models"
	"referral-rewards-engine/services"
	"referral-rewards-engine/utils"

	"github.com/gofiber/fiber/v2"
)

// SetupDriverRoutes wires the driver-facing portal surface: referral code,
// stats, points balance/history, activity feed, leaderboard and redemptions.
func SetupDriverRoutes(
	app *fiber.App,
	referrals *services.ReferralService,
	ledger *services.LedgerService,
	redemptions *services.RedemptionService,
	leaderboard *services.LeaderboardService,
) {
	secured := app.Group("/driver", middleware.DriverContextMiddleware())

	secured.Get("/referral-code", func(c *fiber.Ctx) error {
		driverID := c.Locals("driver_id").(string)
		code, err := referrals.GetOrGenerateCode(driverID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch referral code"})
		}
		return c.JSON(code)
	})

	secured.Get("/referrals", func(c *fiber.Ctx) error {
		driverID := c.Locals("driver_id").(string)
		limit, _ := strconv.Atoi(c.Query("limit", "50"))
		refs, err := referrals.ReferralsFor(driverID, limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch referrals"})
		}
		return c.JSON(refs)
	})

	secured.Get("/referral-stats", func(c *fiber.Ctx) error {
		driverID := c.Locals("driver_id").(string)
		stats, err := referrals.StatsFor(driverID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch stats"})
		}
		return c.JSON(stats)
	})

	secured.Get("/points/balance", func(c *fiber.Ctx) error {
		driverID := c.Locals("driver_id").(string)
		bal, err := ledger.BalanceOf(driverID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch balance"})
		}
		return c.JSON(bal)
	})

	secured.Get("/points/history", func(c *fiber.Ctx) error {
		driverID := c.Locals("driver_id").(string)
		limit, _ := strconv.Atoi(c.Query("limit", "100"))
		var since time.Time
		if sinceStr := c.Query("since"); sinceStr != "" {
			parsed, err := time.Parse(time.RFC3339, sinceStr)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid since parameter (RFC3339)"})
			}
			since = parsed
		}
		entries, err := ledger.EntriesFor(driverID, since, limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch history"})
		}
		return c.JSON(entries)
	})

	secured.Get("/activity", func(c *fiber.Ctx) error {
		driverID := c.Locals("driver_id").(string)
		days, _ := strconv.Atoi(c.Query("days", "30"))
		limit, _ := strconv.Atoi(c.Query("limit", "25"))
		feed, err := referrals.ActivityFeed(driverID, days, limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch activity"})
		}
		return c.JSON(feed)
	})

	secured.Get("/leaderboard", func(c *fiber.Ctx) error {
		period := c.Query("period", utils.PeriodKey(time.Now()))
		// Closed periods are served from snapshots; the running period is a
		// live preview.
		entries, err := leaderboard.Current(period)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch leaderboard"})
		}
		if len(entries) == 0 && period == utils.PeriodKey(time.Now()) {
			entries, err = leaderboard.Preview(period)
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch leaderboard"})
			}
		}
		return c.JSON(entries)
	})

	secured.Post("/redemptions", func(c *fiber.Ctx) error {
		driverID := c.Locals("driver_id").(string)
		var req struct {
			Amount int64                   `json:"amount"`
			Method models.RedemptionMethod `json:"method"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		redemption, err := redemptions.RequestRedemption(driverID, req.Amount, req.Method)
		if err != nil {
			status := fiber.StatusUnprocessableEntity
			switch {
			case errors.Is(err, services.ErrValidation) && redemption == nil:
				status = fiber.StatusBadRequest
			case errors.Is(err, services.ErrNotFound):
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no active reward policy"})
			}
			if redemption == nil {
				return c.Status(status).JSON(fiber.Map{"error": err.Error()})
			}
			// Rejected but recorded — return the request with its reason.
			return c.Status(status).JSON(fiber.Map{"error": err.Error(), "request": redemption})
		}
		return c.Status(fiber.StatusCreated).JSON(redemption)
	})

	secured.Get("/redemptions", func(c *fiber.Ctx) error {
		driverID := c.Locals("driver_id").(string)
		limit, _ := strconv.Atoi(c.Query("limit", "50"))
		reqs, err := redemptions.RequestsFor(driverID, limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch redemptions"})
		}
		return c.JSON(reqs)
	})

	// 🔓 Code lifecycle — gateway auth only, used by onboarding before a
	// driver context exists.
	app.Get("/codes/:code/validate", func(c *fiber.Ctx) error {
		status, err := referrals.ValidateCode(c.Params("code"))
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "referral code not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to validate code"})
		}
		return c.JSON(status)
	})

	app.Post("/codes/:code/use", func(c *fiber.Ctx) error {
		if err := referrals.MarkCodeUsed(c.Params("code")); err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "active referral code not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to mark code used"})
		}
		return c.JSON(fiber.Map{"message": "OK"})
	})

	app.Get("/codes", func(c *fiber.Ctx) error {
		limit, _ := strconv.Atoi(c.Query("limit", "100"))
		codes, err := referrals.ListActiveCodes(limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list codes"})
		}
		return c.JSON(codes)
	})
}
