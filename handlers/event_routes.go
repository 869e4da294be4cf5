// handlers/event_routes.go
package handlers

import (
	"errors"

	"referral-rewards-engine/services"
	"referral-rewards-engine/workers"

	"github.com/gofiber/fiber/v2"
)

// SetupEventRoutes wires the ingestion endpoints the dispatch and onboarding
// collaborators push lifecycle events to. Gateway auth only — these are
// service-to-service calls, no driver context.
func SetupEventRoutes(app *fiber.App, dispatcher *workers.EventDispatcher) {
	app.Post("/events/referral-redeemed", func(c *fiber.Ctx) error {
		var ev services.ReferralRedeemedEvent
		if err := c.BodyParser(&ev); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		res, err := dispatcher.ProcessReferralRedeemed(c.Context(), ev)
		if err != nil {
			return eventError(c, err)
		}
		return c.JSON(res)
	})

	app.Post("/events/delivery-completed", func(c *fiber.Ctx) error {
		var ev services.DeliveryCompletedEvent
		if err := c.BodyParser(&ev); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		res, err := dispatcher.ProcessDeliveryCompleted(c.Context(), ev)
		if err != nil {
			return eventError(c, err)
		}
		return c.JSON(res)
	})
}

func eventError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, workers.ErrQueueFull):
		// Sender retries; every event is idempotent.
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to process event"})
	}
}
