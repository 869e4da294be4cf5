// middleware/auth.go
package middleware

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// DriverContextMiddleware extracts the driver identity and roles the Gateway
// resolved upstream. Identity/auth is an external collaborator; the engine
// only trusts the forwarded headers.
func DriverContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		driverID := c.Get("X-Driver-ID")
		rolesStr := c.Get("X-User-Roles")

		if driverID == "" {
			log.Printf("❌ [DRIVER_CTX] X-Driver-ID required but missing on secured route: %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-Driver-ID — request must come through gateway with auth context",
			})
		}

		var roles []string
		if rolesStr != "" {
			for _, r := range strings.Split(rolesStr, ",") {
				r = strings.TrimSpace(r)
				if r != "" {
					roles = append(roles, r)
				}
			}
		}

		c.Locals("driver_id", driverID)
		c.Locals("user_roles", roles)

		return c.Next()
	}
}

// RequireAdmin gates the configuration/profitability surface on the "admin"
// role forwarded by the Gateway.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		roles, _ := c.Locals("user_roles").([]string)
		for _, r := range roles {
			if r == "admin" {
				return c.Next()
			}
		}
		log.Printf("🚫 [DRIVER_CTX] Admin role required for %s", c.Path())
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin role required"})
	}
}
