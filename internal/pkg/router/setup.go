package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/repository"
	"github.com/ManuelReschke/CreditFox/internal/pkg/billing"
	"github.com/ManuelReschke/CreditFox/internal/pkg/credits"
	"github.com/ManuelReschke/CreditFox/internal/pkg/quota"
)

// Router installs a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries the wired services the routers hand to their controllers.
type Deps struct {
	DB         *gorm.DB
	Cache      *redis.Client
	Billing    *billing.Service
	Dispatcher *billing.Dispatcher
	Credits    *credits.Service
	Quota      *quota.Service
	Users      repository.UserRepository
}

func InstallRouter(app *fiber.App, deps Deps) {
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
