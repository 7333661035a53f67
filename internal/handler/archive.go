package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/dublarpro/jobwatch/internal/archive"
	"github.com/dublarpro/jobwatch/pkg/response"
)

type ArchiveHandler struct {
	archiver  *archive.Archiver
	validator *validator.Validate
}

// NewArchiveHandler creates the handler. archiver is nil when archiving is
// not configured.
func NewArchiveHandler(archiver *archive.Archiver, v *validator.Validate) *ArchiveHandler {
	return &ArchiveHandler{
		archiver:  archiver,
		validator: v,
	}
}

// URL handles GET /api/jobs/:jobId/archive
func (h *ArchiveHandler) URL(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if err := validateJobID(h.validator, jobID); err != nil {
		return response.ValidationError(c, "Invalid job ID", formatValidationErrors(err))
	}
	if h.archiver == nil {
		return response.NotFound(c, "Archiving is not configured")
	}

	url, expiry, err := h.archiver.URL(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, archive.ErrNotArchived) {
			return response.NotFound(c, "Job has not been archived")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{
		"jobId":     jobID,
		"url":       url,
		"expiresIn": int(expiry.Seconds()),
	})
}
