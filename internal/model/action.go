package model

import "time"

// JobAction is an operator request against a backend job
type JobAction string

const (
	JobActionCancel JobAction = "cancel"
	JobActionRetry  JobAction = "retry"
	JobActionDelete JobAction = "delete"
)

// ActionStatus tracks an action request through the queue
type ActionStatus string

const (
	ActionStatusQueued    ActionStatus = "queued"
	ActionStatusSucceeded ActionStatus = "succeeded"
	ActionStatusFailed    ActionStatus = "failed"
)

// JobIDParam validates a job id taken from the URL
type JobIDParam struct {
	JobID string `validate:"required,max=128,printascii,excludesall=/?#%"`
}

// ActionIDParam validates an action request id taken from the URL
type ActionIDParam struct {
	RequestID string `validate:"required,uuid"`
}

// ActionPayload is the asynq task payload for an operator action
type ActionPayload struct {
	RequestID   string    `json:"requestId"`
	JobID       string    `json:"jobId"`
	Action      JobAction `json:"action"`
	RequestedBy string    `json:"requestedBy,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// ActionRecord is the stored outcome of an action request
type ActionRecord struct {
	RequestID string       `json:"requestId"`
	JobID     string       `json:"jobId"`
	Action    JobAction    `json:"action"`
	Status    ActionStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	Attempts  int          `json:"attempts"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}
