// Package logbuf keeps the most recent log lines of a job in arrival order.
package logbuf

import "github.com/dublarpro/jobwatch/internal/model"

// DefaultCapacity is the number of lines kept when no capacity is configured.
const DefaultCapacity = 500

// Ring is a bounded, ordered log window. Once full, appending drops the oldest
// entries. It is not safe for concurrent use.
type Ring struct {
	entries  []model.LogEntry
	capacity int
}

// New creates a ring holding at most capacity entries. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries:  make([]model.LogEntry, 0, capacity),
		capacity: capacity,
	}
}

// Append adds one entry at the end.
func (r *Ring) Append(e model.LogEntry) {
	r.AppendMany([]model.LogEntry{e})
}

// AppendMany adds entries at the end, in order, then trims to capacity.
func (r *Ring) AppendMany(entries []model.LogEntry) {
	if len(entries) == 0 {
		return
	}
	r.entries = append(r.entries, entries...)
	r.trim()
}

// Replace makes entries the whole visible window, keeping only the newest
// capacity of them. Used for polled tails, which are already complete.
func (r *Ring) Replace(entries []model.LogEntry) {
	if len(entries) > r.capacity {
		entries = entries[len(entries)-r.capacity:]
	}
	r.entries = append(r.entries[:0], entries...)
}

// Entries returns a copy of the window, oldest first.
func (r *Ring) Entries() []model.LogEntry {
	out := make([]model.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries held.
func (r *Ring) Len() int { return len(r.entries) }

// Cap returns the maximum number of entries held.
func (r *Ring) Cap() int { return r.capacity }

func (r *Ring) trim() {
	over := len(r.entries) - r.capacity
	if over <= 0 {
		return
	}
	// shift down so the backing array does not grow without bound
	n := copy(r.entries, r.entries[over:])
	for i := n; i < len(r.entries); i++ {
		r.entries[i] = model.LogEntry{}
	}
	r.entries = r.entries[:n]
}
