package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Push message types sent by the backend on /ws/jobs/{id}
const (
	PushTypeProgress = "progress"
	PushTypeStatus   = "status"
	PushTypeLog      = "log"

	PushEventConnected = "connected"
	PushEventPong      = "pong"
)

// Relay message types exchanged with UI sockets
const (
	WSMessageTypeView   = "view"
	WSMessageTypeAction = "action"
	WSMessageTypeError  = "error"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// ErrUnknownPushEvent is returned for well-formed JSON that matches no known event.
var ErrUnknownPushEvent = errors.New("unknown push event")

// PushEvent is one decoded message from the backend push stream.
type PushEvent interface {
	Kind() string
}

// ProgressEvent carries partial progress, possibly with other top-level fields.
type ProgressEvent struct {
	Update JobUpdate
}

// StatusEvent carries a status change, possibly with other top-level fields.
type StatusEvent struct {
	Update JobUpdate
}

// LogEvent carries one log line.
type LogEvent struct {
	Entry LogEntry
}

// ConnectedEvent is the full snapshot the backend sends right after the handshake.
type ConnectedEvent struct {
	Update JobUpdate
}

// PongEvent answers a keep-alive ping.
type PongEvent struct{}

// ErrorEvent is sent when the backend refuses the stream, typically for an unknown job.
type ErrorEvent struct {
	Message string
}

func (ProgressEvent) Kind() string  { return PushTypeProgress }
func (StatusEvent) Kind() string    { return PushTypeStatus }
func (LogEvent) Kind() string       { return PushTypeLog }
func (ConnectedEvent) Kind() string { return PushEventConnected }
func (PongEvent) Kind() string      { return PushEventPong }
func (ErrorEvent) Kind() string     { return WSMessageTypeError }

type pushEnvelope struct {
	Type     string          `json:"type"`
	Event    string          `json:"event"`
	Error    json.RawMessage `json:"error"`
	Job      json.RawMessage `json:"job"`
	Progress json.RawMessage `json:"progress"`
}

var flatProgressKeys = []string{"percent", "current_stage", "stage_name", "detail"}

// fillProgress completes p with top-level keys; nested values win.
func fillProgress(p, flat *ProgressUpdate) *ProgressUpdate {
	if flat.IsEmpty() {
		return p
	}
	if p == nil {
		return flat
	}
	out := *p
	if out.Percent == nil {
		out.Percent = flat.Percent
	}
	if out.CurrentStage == nil {
		out.CurrentStage = flat.CurrentStage
	}
	if out.StageName == nil {
		out.StageName = flat.StageName
	}
	if out.Detail == nil {
		out.Detail = flat.Detail
	}
	return &out
}

// DecodePushEvent parses one raw push message into its tagged variant.
func DecodePushEvent(data []byte) (PushEvent, error) {
	var env pushEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode push envelope: %w", err)
	}

	switch env.Type {
	case PushTypeProgress:
		update, err := decodeEventUpdate(data)
		if err != nil {
			return nil, err
		}
		var flat ProgressUpdate
		if err := json.Unmarshal(data, &flat); err != nil {
			return nil, err
		}
		update.Progress = fillProgress(update.Progress, &flat)
		for _, k := range flatProgressKeys {
			delete(update.Extra, k)
		}
		return ProgressEvent{Update: update}, nil

	case PushTypeStatus:
		update, err := decodeEventUpdate(data)
		if err != nil {
			return nil, err
		}
		return StatusEvent{Update: update}, nil

	case PushTypeLog:
		var entry LogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("decode log event: %w", err)
		}
		if entry.IsZero() {
			return nil, fmt.Errorf("decode log event: empty entry")
		}
		return LogEvent{Entry: entry}, nil
	}

	switch env.Event {
	case PushEventConnected:
		if len(env.Job) == 0 || string(env.Job) == "null" {
			return nil, fmt.Errorf("decode connected event: missing job")
		}
		var update JobUpdate
		if err := json.Unmarshal(env.Job, &update); err != nil {
			return nil, err
		}
		return ConnectedEvent{Update: update}, nil
	case PushEventPong:
		return PongEvent{}, nil
	}

	if len(env.Error) > 0 && string(env.Error) != "null" {
		var msg string
		if err := json.Unmarshal(env.Error, &msg); err != nil {
			msg = string(env.Error)
		}
		return ErrorEvent{Message: msg}, nil
	}

	return nil, fmt.Errorf("%w: type=%q event=%q", ErrUnknownPushEvent, env.Type, env.Event)
}

func decodeEventUpdate(data []byte) (JobUpdate, error) {
	var update JobUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return JobUpdate{}, err
	}
	delete(update.Extra, "type")
	delete(update.Extra, "event")
	if len(update.Extra) == 0 {
		update.Extra = nil
	}
	return update, nil
}

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSViewMessage carries a reconciled view to UI subscribers
type WSViewMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	View  View   `json:"view"`
}

// WSActionMessage reports the outcome of a cancel, retry or delete request
type WSActionMessage struct {
	Type      string `json:"type"`
	JobID     string `json:"jobId"`
	Action    string `json:"action"`
	RequestID string `json:"requestId,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
