package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dublarpro/jobwatch/internal/client"
	"github.com/dublarpro/jobwatch/internal/reconcile"
	"github.com/dublarpro/jobwatch/pkg/response"
)

type HealthHandler struct {
	api     client.JobAPI
	manager *reconcile.Manager
}

func NewHealthHandler(api client.JobAPI, manager *reconcile.Manager) *HealthHandler {
	return &HealthHandler{api: api, manager: manager}
}

// Live handles GET /health
func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Ready handles GET /health/ready. It fails while the backend is unreachable.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	if err := h.api.HealthCheck(ctx); err != nil {
		return response.Error(c, fiber.StatusServiceUnavailable, response.CodeBackendError, "Backend unavailable", err.Error())
	}
	return c.JSON(fiber.Map{
		"status":        "ok",
		"subscriptions": h.manager.Len(),
	})
}
