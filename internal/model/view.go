package model

import "time"

// StageState classifies one pipeline stage for display.
type StageState string

const (
	StageDone    StageState = "done"
	StageCurrent StageState = "current"
	StagePending StageState = "pending"
)

// Stage is one of the ten fixed pipeline phases.
type Stage struct {
	Index int        `json:"index"`
	Name  string     `json:"name"`
	State StageState `json:"state"`
}

// View is the reconciled, presentation-ready state of one job.
// Views are values: nothing inside is shared with the engine.
type View struct {
	JobID         string      `json:"jobId"`
	Snapshot      JobSnapshot `json:"snapshot"`
	Logs          []LogEntry  `json:"logs"`
	Stages        []Stage     `json:"stages"`
	Percent       float64     `json:"percent"`
	StatusLabel   string      `json:"statusLabel"`
	Active        bool        `json:"active"`
	Terminal      bool        `json:"terminal"`
	PushConnected bool        `json:"pushConnected"`
	Artifacts     *Artifacts  `json:"artifacts,omitempty"`
	Seq           int64       `json:"seq"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}
