package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"

	"github.com/dublarpro/jobwatch/internal/client"
	"github.com/dublarpro/jobwatch/internal/logger"
	"github.com/dublarpro/jobwatch/internal/model"
	"github.com/dublarpro/jobwatch/internal/service"
)

// ActionWorker processes queued operator actions
type ActionWorker struct {
	svc *service.ActionService
	log *logger.Logger
}

// NewActionWorker creates a new action worker
func NewActionWorker(svc *service.ActionService, log *logger.Logger) *ActionWorker {
	if log == nil {
		log = logger.Nop()
	}
	return &ActionWorker{
		svc: svc,
		log: log.Component("action_worker"),
	}
}

// ProcessTask runs one cancel, retry or delete task. Client errors from the
// backend are final; anything else is left to asynq's retry policy.
func (w *ActionWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.ActionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %v", asynq.SkipRetry, err)
	}
	if payload.JobID == "" || payload.RequestID == "" {
		return fmt.Errorf("incomplete action payload: %w", asynq.SkipRetry)
	}

	w.log.Debug("processing action", "type", t.Type(), "jobId", payload.JobID, "requestId", payload.RequestID)

	_, err := w.svc.Execute(ctx, payload)
	if err == nil {
		return nil
	}
	if permanent(err) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

// Register mounts the worker on mux for every action task type.
func (w *ActionWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(service.TaskTypeCancel, w.ProcessTask)
	mux.HandleFunc(service.TaskTypeRetry, w.ProcessTask)
	mux.HandleFunc(service.TaskTypeDelete, w.ProcessTask)
}

func permanent(err error) bool {
	if errors.Is(err, client.ErrJobNotFound) {
		return true
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
	}
	return false
}
