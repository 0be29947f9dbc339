package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/example/rzshop/internal/config"
	"github.com/example/rzshop/internal/utils"
)

const operatorContextKey = "currentOperator"

// AuthMiddleware validates operator JWT bearer tokens for the audit
// endpoints and loads the token subject into context.
func AuthMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid authorization header")
		}

		subject, err := utils.ParseToken(cfg.JWTSecret, parts[1])
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(operatorContextKey, subject)
		return c.Next()
	}
}

// GetCurrentOperator extracts the authenticated operator subject from
// context.
func GetCurrentOperator(c *fiber.Ctx) (string, bool) {
	value := c.Locals(operatorContextKey)
	if value == nil {
		return "", false
	}

	if subject, ok := value.(string); ok && subject != "" {
		return subject, true
	}

	return "", false
}
