package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditFox/app/controllers"
)

type HttpRouter struct {
	deps Deps
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	webhooks := controllers.NewWebhookControllerFromEnv(h.deps.Billing, h.deps.Dispatcher)

	app.Post("/webhooks/payment", webhooks.HandlePaymentWebhook)
	app.Get("/health", h.handleHealth)
}

func NewHttpRouter(deps Deps) *HttpRouter {
	return &HttpRouter{deps: deps}
}

// handleHealth pings the database and cache. Degraded cache is reported but
// not fatal; quota falls back to the database when Redis is away.
func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	dbStatus := "ok"
	if sqlDB, err := h.deps.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		dbStatus = "down"
	}
	cacheStatus := "ok"
	if h.deps.Cache == nil || h.deps.Cache.Ping(ctx).Err() != nil {
		cacheStatus = "down"
	}

	status := fiber.StatusOK
	if dbStatus != "ok" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"database": dbStatus,
		"cache":    cacheStatus,
	})
}
