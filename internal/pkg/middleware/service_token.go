package middleware

import (
	"crypto/subtle"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
)

// ServiceTokenMiddleware authenticates sibling services calling the internal
// API. The shared token comes from INTERNAL_SERVICE_TOKEN; with no token
// configured every request is rejected.
func ServiceTokenMiddleware() fiber.Handler {
	expected := strings.TrimSpace(env.GetEnv("INTERNAL_SERVICE_TOKEN", ""))
	if expected == "" {
		log.Print("service token middleware: INTERNAL_SERVICE_TOKEN not set, internal API locked")
	}
	return func(c *fiber.Ctx) error {
		token := extractServiceTokenFromHeader(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing service token"})
		}
		if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid service token"})
		}
		return c.Next()
	}
}

func extractServiceTokenFromHeader(c *fiber.Ctx) string {
	token := strings.TrimSpace(c.Get("X-Service-Token"))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
