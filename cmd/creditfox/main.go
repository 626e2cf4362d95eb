package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/CreditFox/app/repository"
	"github.com/ManuelReschke/CreditFox/internal/pkg/billing"
	"github.com/ManuelReschke/CreditFox/internal/pkg/cache"
	"github.com/ManuelReschke/CreditFox/internal/pkg/credits"
	"github.com/ManuelReschke/CreditFox/internal/pkg/database"
	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
	"github.com/ManuelReschke/CreditFox/internal/pkg/quota"
	"github.com/ManuelReschke/CreditFox/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()

	db := database.GetDB()
	cacheClient := cache.NewClient()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()

	// wire services
	creditsSvc := credits.NewServiceFromDB(db)
	billingRepo := billing.NewRepository(db)
	quotaSvc := quota.NewService(quota.NewRepository(db), billingRepo, cacheClient)
	billingSvc := billing.NewService(billingRepo, creditsSvc, quotaSvc)
	dispatcher := billing.NewDispatcher(billingSvc)

	startWebhookPruner(billingSvc)

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/creditfox to project root
		"../../../", // Fallback
	}

	// Find the correct base path
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	if basePath == "" {
		panic("Could not find project root directory")
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "CreditFox",
		BodyLimit: 1 << 20, // webhook payloads stay small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app, router.Deps{
		DB:         db,
		Cache:      cacheClient,
		Billing:    billingSvc,
		Dispatcher: dispatcher,
		Credits:    creditsSvc,
		Quota:      quotaSvc,
		Users:      repos.User,
	})

	return app
}

// startWebhookPruner removes processed webhook events past the retention
// window once a day. WEBHOOK_RETENTION_DAYS controls the window.
func startWebhookPruner(svc *billing.Service) {
	days, err := strconv.Atoi(env.GetEnv("WEBHOOK_RETENTION_DAYS", "30"))
	if err != nil || days <= 0 {
		days = 30
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			pruned, err := svc.PruneProcessedEvents(ctx, time.Now().AddDate(0, 0, -days))
			cancel()
			if err != nil {
				log.Printf("[webhook-pruner] prune failed: %v", err)
				continue
			}
			if pruned > 0 {
				log.Printf("[webhook-pruner] removed %d processed events", pruned)
			}
		}
	}()
}
