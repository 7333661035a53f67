package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	ws "github.com/dublarpro/jobwatch/internal/websocket"
)

// Routes bundles everything the relay server mounts.
type Routes struct {
	Health  *HealthHandler
	Watch   *WatchHandler
	Jobs    *JobsHandler
	Archive *ArchiveHandler
	Hub     *ws.Hub
	Auth    fiber.Handler

	// ActionLimit guards cancel, retry and delete. Optional.
	ActionLimit fiber.Handler
}

// Mount registers all routes on app.
func (r Routes) Mount(app *fiber.App) {
	app.Get("/health", r.Health.Live)
	app.Get("/health/ready", r.Health.Ready)

	api := app.Group("/api", r.Auth)

	api.Get("/watch/:jobId", r.Watch.View)

	jobs := api.Group("/jobs")
	jobs.Get("/", r.Jobs.List)
	limit := r.ActionLimit
	if limit == nil {
		limit = func(c *fiber.Ctx) error { return c.Next() }
	}
	jobs.Post("/:jobId/cancel", limit, r.Jobs.Cancel)
	jobs.Post("/:jobId/retry", limit, r.Jobs.Retry)
	jobs.Delete("/:jobId", limit, r.Jobs.Delete)
	if r.Archive != nil {
		jobs.Get("/:jobId/archive", r.Archive.URL)
	}

	api.Get("/actions/:requestId", r.Jobs.ActionStatus)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/watch/:jobId", r.Auth, func(c *fiber.Ctx) error {
		if err := validateJobID(r.Watch.validator, c.Params("jobId")); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid job ID")
		}
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		r.Hub.HandleConnection(c, c.Params("jobId"))
	}))
}
