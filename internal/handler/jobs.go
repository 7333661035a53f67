package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/dublarpro/jobwatch/internal/client"
	"github.com/dublarpro/jobwatch/internal/middleware"
	"github.com/dublarpro/jobwatch/internal/model"
	"github.com/dublarpro/jobwatch/internal/service"
	"github.com/dublarpro/jobwatch/pkg/response"
)

type JobsHandler struct {
	api       client.JobAPI
	actions   *service.ActionService
	validator *validator.Validate
}

func NewJobsHandler(api client.JobAPI, actions *service.ActionService, v *validator.Validate) *JobsHandler {
	return &JobsHandler{
		api:       api,
		actions:   actions,
		validator: v,
	}
}

// List handles GET /api/jobs
func (h *JobsHandler) List(c *fiber.Ctx) error {
	jobs, err := h.api.ListJobs(c.UserContext())
	if err != nil {
		return backendError(c, err)
	}
	return response.OK(c, fiber.Map{"jobs": jobs})
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobsHandler) Cancel(c *fiber.Ctx) error {
	return h.submit(c, model.JobActionCancel)
}

// Retry handles POST /api/jobs/:jobId/retry
func (h *JobsHandler) Retry(c *fiber.Ctx) error {
	return h.submit(c, model.JobActionRetry)
}

// Delete handles DELETE /api/jobs/:jobId
func (h *JobsHandler) Delete(c *fiber.Ctx) error {
	return h.submit(c, model.JobActionDelete)
}

// ActionStatus handles GET /api/actions/:requestId
func (h *JobsHandler) ActionStatus(c *fiber.Ctx) error {
	param := model.ActionIDParam{RequestID: c.Params("requestId")}
	if err := h.validator.Struct(&param); err != nil {
		return response.ValidationError(c, "Invalid request ID", formatValidationErrors(err))
	}

	rec, err := h.actions.Status(c.UserContext(), param.RequestID)
	if err != nil {
		if errors.Is(err, service.ErrActionNotFound) {
			return response.NotFound(c, "Action not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, rec)
}

func (h *JobsHandler) submit(c *fiber.Ctx, action model.JobAction) error {
	jobID := c.Params("jobId")
	if err := validateJobID(h.validator, jobID); err != nil {
		return response.ValidationError(c, "Invalid job ID", formatValidationErrors(err))
	}

	rec, err := h.actions.Submit(c.UserContext(), action, jobID, middleware.GetUserID(c))
	if err != nil {
		if rec == nil {
			return response.ServiceError(c, err.Error())
		}
		return backendError(c, err)
	}

	if h.actions.Async() {
		return response.Accepted(c, rec)
	}
	return response.OK(c, rec)
}
