package handler

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/dublarpro/jobwatch/internal/client"
	"github.com/dublarpro/jobwatch/internal/model"
	"github.com/dublarpro/jobwatch/internal/reconcile"
	"github.com/dublarpro/jobwatch/pkg/response"
)

const fetchTimeout = 15 * time.Second

type WatchHandler struct {
	manager   *reconcile.Manager
	source    reconcile.JobSource
	opts      reconcile.Options
	validator *validator.Validate
}

func NewWatchHandler(manager *reconcile.Manager, src reconcile.JobSource, opts reconcile.Options, v *validator.Validate) *WatchHandler {
	return &WatchHandler{
		manager:   manager,
		source:    src,
		opts:      opts,
		validator: v,
	}
}

// View handles GET /api/watch/:jobId
func (h *WatchHandler) View(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if err := validateJobID(h.validator, jobID); err != nil {
		return response.ValidationError(c, "Invalid job ID", formatValidationErrors(err))
	}

	if sub, ok := h.manager.Get(jobID); ok {
		return response.OK(c, sub.View())
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), fetchTimeout)
	defer cancel()

	view, err := reconcile.FetchView(ctx, h.source, jobID, h.opts)
	if err != nil {
		return backendError(c, err)
	}
	return response.OK(c, view)
}

func validateJobID(v *validator.Validate, jobID string) error {
	return v.Struct(&model.JobIDParam{JobID: jobID})
}

// backendError maps a backend client error to the response envelope.
func backendError(c *fiber.Ctx, err error) error {
	if errors.Is(err, client.ErrJobNotFound) {
		return response.NotFound(c, "Job not found")
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case fiber.StatusBadRequest, fiber.StatusConflict:
			return response.Conflict(c, apiErr.Detail)
		}
	}
	return response.BackendError(c, err.Error())
}
