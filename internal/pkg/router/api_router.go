package router

import (
	apiv1 "github.com/ManuelReschke/CreditFox/internal/api/v1"
	"github.com/ManuelReschke/CreditFox/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes, service-to-service only
	v1 := api.Group("/v1", middleware.ServiceTokenMiddleware())
	apiServer := apiv1.NewAPIServer(h.deps.Credits, h.deps.Quota, h.deps.Users)
	apiv1.RegisterHandlers(v1, apiServer)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
