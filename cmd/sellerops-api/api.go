package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/sellerops/pkg/cmd"
	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/dukex/sellerops/pkg/rules"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/dukex/sellerops/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	queue       *jobs.Queue
	rules       *rules.Registry
	lookup      services.EntityLookup
	eventBus    eventbus.EventPublisher
	gatherer    prometheus.Gatherer
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	queue *jobs.Queue,
	registry *rules.Registry,
	lookup services.EntityLookup,
	eventBus eventbus.EventPublisher,
	gatherer prometheus.Gatherer,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		queue:       queue,
		rules:       registry,
		lookup:      lookup,
		eventBus:    eventBus,
		gatherer:    gatherer,
		validate:    rules.NewValidator(),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.queue, a.persistence, a.rules, a.lookup, a.eventBus, a.validate, a.persistence)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("sellerops API")
	})

	app.Get("/metrics", cmd.MetricsHandler(a.gatherer))

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}
