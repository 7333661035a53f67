package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/dublarpro/jobwatch/internal/bus"
	"github.com/dublarpro/jobwatch/internal/config"
	"github.com/dublarpro/jobwatch/internal/logger"
	"github.com/dublarpro/jobwatch/internal/model"
)

// Task types
const (
	TaskTypeCancel = "action:cancel"
	TaskTypeRetry  = "action:retry"
	TaskTypeDelete = "action:delete"
)

// QueueActions is the asynq queue action tasks are enqueued on.
const QueueActions = "actions"

// JobActions is the slice of the backend API that operator actions need.
type JobActions interface {
	CancelJob(ctx context.Context, jobID string) error
	RetryJob(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ActionService runs cancel, retry and delete requests, either inline or
// through the asynq "actions" queue.
type ActionService struct {
	api      JobActions
	records  ActionStore
	bus      bus.Bus
	enqueuer Enqueuer
	maxRetry int
	log      *logger.Logger
	now      func() time.Time
}

// NewActionService creates the service. A nil enqueuer runs actions inline;
// a nil bus skips relay notifications.
func NewActionService(api JobActions, records ActionStore, b bus.Bus, enqueuer Enqueuer, cfg config.ActionsConfig, log *logger.Logger) *ActionService {
	if log == nil {
		log = logger.Nop()
	}
	if records == nil {
		records = NewMemoryActionStore()
	}
	return &ActionService{
		api:      api,
		records:  records,
		bus:      b,
		enqueuer: enqueuer,
		maxRetry: cfg.MaxRetry,
		log:      log.Component("action_service"),
		now:      time.Now,
	}
}

// Async reports whether actions go through the queue.
func (s *ActionService) Async() bool {
	return s.enqueuer != nil
}

// Submit records a new action request and either enqueues or runs it. In
// inline mode the returned error is the backend's.
func (s *ActionService) Submit(ctx context.Context, action model.JobAction, jobID, userID string) (*model.ActionRecord, error) {
	if _, err := taskType(action); err != nil {
		return nil, err
	}

	now := s.now()
	payload := model.ActionPayload{
		RequestID:   uuid.New().String(),
		JobID:       jobID,
		Action:      action,
		RequestedBy: userID,
		RequestedAt: now,
	}
	rec := &model.ActionRecord{
		RequestID: payload.RequestID,
		JobID:     jobID,
		Action:    action,
		Status:    model.ActionStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.records.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save action: %w", err)
	}

	if s.enqueuer == nil {
		return s.Execute(ctx, payload)
	}

	task, err := NewActionTask(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	_, err = s.enqueuer.Enqueue(task,
		asynq.Queue(QueueActions),
		asynq.MaxRetry(s.maxRetry),
		asynq.TaskID(payload.RequestID),
		asynq.Retention(actionRetention),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.log.Info("action enqueued", "action", action, "jobId", jobID, "requestId", payload.RequestID)
	return rec, nil
}

// Execute calls the backend for p and records the outcome. Sockets watching
// the job are told either way; a successful retry also rearms the job.
func (s *ActionService) Execute(ctx context.Context, p model.ActionPayload) (*model.ActionRecord, error) {
	rec, err := s.records.Get(ctx, p.RequestID)
	if err != nil {
		rec = &model.ActionRecord{
			RequestID: p.RequestID,
			JobID:     p.JobID,
			Action:    p.Action,
			CreatedAt: p.RequestedAt,
		}
	}

	callErr := s.call(ctx, p)

	rec.Attempts++
	rec.UpdatedAt = s.now()
	if callErr != nil {
		rec.Status = model.ActionStatusFailed
		rec.Error = callErr.Error()
		s.log.Warn("action failed", "action", p.Action, "jobId", p.JobID, "requestId", p.RequestID, "error", callErr)
	} else {
		rec.Status = model.ActionStatusSucceeded
		rec.Error = ""
		s.log.Info("action succeeded", "action", p.Action, "jobId", p.JobID, "requestId", p.RequestID)
	}
	if err := s.records.Save(ctx, rec); err != nil {
		s.log.Error("failed to save action", "requestId", p.RequestID, "error", err)
	}

	s.notify(ctx, rec)
	if callErr == nil && p.Action == model.JobActionRetry {
		s.publish(ctx, bus.Message{Type: bus.TypeRearm, JobID: p.JobID})
	}
	return rec, callErr
}

// Status returns the stored record of an action request.
func (s *ActionService) Status(ctx context.Context, requestID string) (*model.ActionRecord, error) {
	return s.records.Get(ctx, requestID)
}

func (s *ActionService) call(ctx context.Context, p model.ActionPayload) error {
	switch p.Action {
	case model.JobActionCancel:
		return s.api.CancelJob(ctx, p.JobID)
	case model.JobActionRetry:
		return s.api.RetryJob(ctx, p.JobID)
	case model.JobActionDelete:
		return s.api.DeleteJob(ctx, p.JobID)
	default:
		return fmt.Errorf("unknown action %q", p.Action)
	}
}

func (s *ActionService) notify(ctx context.Context, rec *model.ActionRecord) {
	payload, err := json.Marshal(model.WSActionMessage{
		Type:      model.WSMessageTypeAction,
		JobID:     rec.JobID,
		Action:    string(rec.Action),
		RequestID: rec.RequestID,
		OK:        rec.Status == model.ActionStatusSucceeded,
		Error:     rec.Error,
	})
	if err != nil {
		s.log.Error("failed to marshal action message", "error", err)
		return
	}
	s.publish(ctx, bus.Message{Type: bus.TypeAction, JobID: rec.JobID, Payload: payload})
}

func (s *ActionService) publish(ctx context.Context, msg bus.Message) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, msg); err != nil {
		s.log.Warn("bus publish failed", "type", msg.Type, "jobId", msg.JobID, "error", err)
	}
}

func taskType(action model.JobAction) (string, error) {
	switch action {
	case model.JobActionCancel:
		return TaskTypeCancel, nil
	case model.JobActionRetry:
		return TaskTypeRetry, nil
	case model.JobActionDelete:
		return TaskTypeDelete, nil
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

// NewActionTask builds the asynq task for p.
func NewActionTask(p model.ActionPayload) (*asynq.Task, error) {
	typ, err := taskType(p.Action)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, data), nil
}
