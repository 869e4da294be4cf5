// handlers/admin_routes.go
package handlers

import (
	"errors"
	"time"

	"referral-rewards-engine/middleware"
	"referral-rewards-engine/models"
	"referral-rewards-engine/services"
	"referral-rewards-engine/utils"

	"github.com/gofiber/fiber/v2"
)

// SetupAdminRoutes wires the administration surface: policy lifecycle,
// profitability analysis and aggregate referral statistics.
func SetupAdminRoutes(
	app *fiber.App,
	configs *services.ConfigService,
	budget *services.BudgetService,
	referrals *services.ReferralService,
	leaderboard *services.LeaderboardService,
) {
	admin := app.Group("/admin", middleware.DriverContextMiddleware(), middleware.RequireAdmin())

	admin.Post("/configurations", func(c *fiber.Ctx) error {
		var cfg models.RewardConfiguration
		if err := c.BodyParser(&cfg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		id, err := configs.Create(&cfg)
		if err != nil {
			if errors.Is(err, services.ErrValidation) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create configuration"})
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
	})

	admin.Get("/configurations", func(c *fiber.Ctx) error {
		cfgs, err := configs.List()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list configurations"})
		}
		return c.JSON(cfgs)
	})

	admin.Get("/configurations/active", func(c *fiber.Ctx) error {
		cfg, err := configs.GetActive(c.Query("scope", "default"))
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no active configuration"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch configuration"})
		}
		return c.JSON(cfg)
	})

	admin.Patch("/configurations/:id/status", func(c *fiber.Ctx) error {
		var req struct {
			Status models.ConfigurationStatus `json:"status"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		actor := c.Locals("driver_id").(string)
		if err := configs.SetStatus(c.Params("id"), req.Status, actor); err != nil {
			switch {
			case errors.Is(err, services.ErrNotFound):
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "configuration not found"})
			case errors.Is(err, services.ErrValidation):
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to update status"})
		}
		return c.JSON(fiber.Map{"message": "Configuration status updated"})
	})

	admin.Get("/configurations/:id/audit", func(c *fiber.Ctx) error {
		audits, err := configs.AuditTrail(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch audit trail"})
		}
		return c.JSON(audits)
	})

	admin.Get("/profitability", func(c *fiber.Ctx) error {
		cfg, err := configs.GetActive(c.Query("scope", "default"))
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no active configuration"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch configuration"})
		}
		period := c.Query("period", utils.PeriodKey(time.Now()))
		view, err := budget.Profitability(cfg, period)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to compute profitability"})
		}
		return c.JSON(view)
	})

	admin.Get("/stats", func(c *fiber.Ctx) error {
		stats, err := referrals.Aggregate()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch stats"})
		}
		return c.JSON(stats)
	})

	// Manual close for a period; the scheduler normally does this, the route
	// exists for backfills. Idempotent either way.
	admin.Post("/leaderboard/:period/run", func(c *fiber.Ctx) error {
		if err := leaderboard.RunForPeriod(c.Params("period")); err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no active configuration"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to run leaderboard"})
		}
		return c.JSON(fiber.Map{"message": "Leaderboard computed", "period": c.Params("period")})
	})
}
