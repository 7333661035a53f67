// Package bus carries relay messages between server instances.
package bus

import (
	"context"
	"encoding/json"
)

// Message types.
const (
	TypeAction = "action" // payload is a model.WSActionMessage for UI sockets
	TypeRearm  = "rearm"  // no payload; instances tracking the job clear its terminal latch
)

// Message is one relay event for JobID. Views never travel on the bus: every
// instance reconciles the jobs its own sockets watch.
type Message struct {
	Type    string          `json:"type"`
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Bus interface {
	Publish(ctx context.Context, msg Message) error
	StartForwarder(ctx context.Context, onMsg func(m Message)) error
	Close() error
}
