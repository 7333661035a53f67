package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JobStatus is the backend's lifecycle state for a pipeline job.
// Values outside the known set are kept verbatim.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change on its own.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the job is waiting for or occupying a worker.
func (s JobStatus) IsActive() bool {
	return s == JobStatusRunning || s == JobStatusQueued
}

// Progress is the pipeline position reported by the worker.
type Progress struct {
	Percent      float64 `json:"percent"`
	CurrentStage int     `json:"current_stage"`
	StageName    string  `json:"stage_name,omitempty"`
	Detail       string  `json:"detail,omitempty"`
}

// JobSnapshot is the last known state of one job.
type JobSnapshot struct {
	ID        string                     `json:"id"`
	Status    JobStatus                  `json:"status,omitempty"`
	Progress  *Progress                  `json:"progress,omitempty"`
	Config    map[string]any             `json:"config,omitempty"`
	Error     *string                    `json:"error,omitempty"`
	DurationS *float64                   `json:"duration_s,omitempty"`
	Revision  *int64                     `json:"revision,omitempty"`
	Extra     map[string]json.RawMessage `json:"extra,omitempty"`
}

// Clone returns a copy that shares no mutable state with s.
func (s JobSnapshot) Clone() JobSnapshot {
	out := s
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	if s.Config != nil {
		out.Config = make(map[string]any, len(s.Config))
		for k, v := range s.Config {
			out.Config[k] = v
		}
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.DurationS != nil {
		d := *s.DurationS
		out.DurationS = &d
	}
	if s.Revision != nil {
		r := *s.Revision
		out.Revision = &r
	}
	if s.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// ProgressUpdate is a partial Progress. Nil fields were not supplied.
type ProgressUpdate struct {
	Percent      *float64 `json:"percent,omitempty"`
	CurrentStage *int     `json:"current_stage,omitempty"`
	StageName    *string  `json:"stage_name,omitempty"`
	Detail       *string  `json:"detail,omitempty"`
}

// IsEmpty reports whether no progress field was supplied.
func (p *ProgressUpdate) IsEmpty() bool {
	return p == nil || (p.Percent == nil && p.CurrentStage == nil && p.StageName == nil && p.Detail == nil)
}

// JobUpdate is a partial JobSnapshot as delivered by either channel.
// A nil field (absent or JSON null on the wire) leaves the stored value alone.
type JobUpdate struct {
	ID        *string                    `json:"id,omitempty"`
	Status    *JobStatus                 `json:"status,omitempty"`
	Progress  *ProgressUpdate            `json:"progress,omitempty"`
	Config    map[string]any             `json:"config,omitempty"`
	Error     *string                    `json:"error,omitempty"`
	DurationS *float64                   `json:"duration_s,omitempty"`
	Revision  *int64                     `json:"revision,omitempty"`
	Extra     map[string]json.RawMessage `json:"-"`
}

var knownUpdateKeys = map[string]bool{
	"id":         true,
	"status":     true,
	"progress":   true,
	"config":     true,
	"error":      true,
	"duration_s": true,
	"revision":   true,
}

// UnmarshalJSON decodes the known fields and keeps every other top-level key in Extra.
func (u *JobUpdate) UnmarshalJSON(data []byte) error {
	type plain JobUpdate
	var p plain
	aux := struct {
		*plain
		DurationS json.RawMessage `json:"duration_s"`
		Revision  json.RawMessage `json:"revision"`
	}{plain: &p}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("decode job update: %w", err)
	}

	var err error
	if p.DurationS, err = parseNumber(aux.DurationS); err != nil {
		return fmt.Errorf("decode job update duration_s: %w", err)
	}
	if p.Revision, err = parseInt64(aux.Revision); err != nil {
		return fmt.Errorf("decode job update revision: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode job update: %w", err)
	}
	for k, v := range raw {
		if knownUpdateKeys[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}

	*u = JobUpdate(p)
	return nil
}

// UpdateFromSnapshot turns a full snapshot into an update that sets every present field.
func UpdateFromSnapshot(s JobSnapshot) JobUpdate {
	s = s.Clone()
	u := JobUpdate{
		Config:    s.Config,
		Error:     s.Error,
		DurationS: s.DurationS,
		Revision:  s.Revision,
		Extra:     s.Extra,
	}
	if s.ID != "" {
		u.ID = &s.ID
	}
	if s.Status != "" {
		u.Status = &s.Status
	}
	if s.Progress != nil {
		p := *s.Progress
		u.Progress = &ProgressUpdate{
			Percent:      &p.Percent,
			CurrentStage: &p.CurrentStage,
			StageName:    &p.StageName,
			Detail:       &p.Detail,
		}
	}
	return u
}

// RawEqual compares two raw JSON values byte for byte, ignoring surrounding whitespace.
func RawEqual(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}
