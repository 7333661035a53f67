// Package store holds the last known state of one job and the rules for
// merging partial updates into it.
package store

import (
	"encoding/json"
	"reflect"

	"github.com/dublarpro/jobwatch/internal/model"
)

// Outcome describes what ApplyUpdate did with an update.
type Outcome int

const (
	// Applied means at least one field changed.
	Applied Outcome = iota
	// Unchanged means the update was accepted but matched the stored state.
	Unchanged
	// RejectedStale means the update carried an older revision than the stored one.
	RejectedStale
	// RejectedRegression means the update tried to move a terminal job back to a
	// non-terminal status without a newer revision to back it.
	RejectedRegression
	// RejectedMismatch means the update belongs to a different job.
	RejectedMismatch
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	case RejectedStale:
		return "rejected_stale"
	case RejectedRegression:
		return "rejected_regression"
	case RejectedMismatch:
		return "rejected_mismatch"
	default:
		return "unknown"
	}
}

// Rejected reports whether the update was dropped.
func (o Outcome) Rejected() bool {
	return o == RejectedStale || o == RejectedRegression || o == RejectedMismatch
}

// Store is a single job's snapshot. It is not safe for concurrent use; the
// reconciliation loop is its only writer.
type Store struct {
	snap    model.JobSnapshot
	latched bool
}

// New creates an empty snapshot for jobID.
func New(jobID string) *Store {
	return &Store{snap: model.JobSnapshot{ID: jobID}}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() model.JobSnapshot {
	return s.snap.Clone()
}

// Status returns the stored status without copying the snapshot.
func (s *Store) Status() model.JobStatus {
	return s.snap.Status
}

// Rearm forgets that the job reached a terminal status, so a retried job may
// move back to queued.
func (s *Store) Rearm() {
	s.latched = false
}

// ApplyUpdate merges u into the snapshot field by field and returns the result.
// Fields absent from u are kept; progress is merged one level down.
func (s *Store) ApplyUpdate(u model.JobUpdate) (model.JobSnapshot, Outcome) {
	if u.ID != nil && s.snap.ID != "" && *u.ID != s.snap.ID {
		return s.Snapshot(), RejectedMismatch
	}
	if u.Revision != nil && s.snap.Revision != nil && *u.Revision < *s.snap.Revision {
		return s.Snapshot(), RejectedStale
	}
	newer := u.Revision != nil && s.snap.Revision != nil && *u.Revision > *s.snap.Revision
	if u.Status != nil && s.latched && !u.Status.IsTerminal() && !newer {
		return s.Snapshot(), RejectedRegression
	}

	next := s.snap.Clone()
	if u.ID != nil && next.ID == "" {
		next.ID = *u.ID
	}
	if u.Status != nil {
		next.Status = *u.Status
	}
	if !u.Progress.IsEmpty() {
		next.Progress = mergeProgress(next.Progress, u.Progress)
	}
	if u.Config != nil {
		next.Config = make(map[string]any, len(u.Config))
		for k, v := range u.Config {
			next.Config[k] = v
		}
	}
	if u.Error != nil {
		e := *u.Error
		next.Error = &e
	}
	if u.DurationS != nil {
		d := *u.DurationS
		next.DurationS = &d
	}
	if u.Revision != nil {
		r := *u.Revision
		next.Revision = &r
	}
	for k, v := range u.Extra {
		if next.Extra == nil {
			next.Extra = make(map[string]json.RawMessage)
		}
		next.Extra[k] = append(json.RawMessage(nil), v...)
	}

	// a newer revision outranks the latch, so a job requeued elsewhere unlatches
	s.latched = next.Status.IsTerminal() || (s.latched && !newer)

	if equal(s.snap, next) {
		return s.Snapshot(), Unchanged
	}
	s.snap = next
	return s.Snapshot(), Applied
}

func mergeProgress(cur *model.Progress, u *model.ProgressUpdate) *model.Progress {
	var p model.Progress
	if cur != nil {
		p = *cur
	}
	if u.Percent != nil {
		p.Percent = *u.Percent
	}
	if u.CurrentStage != nil {
		p.CurrentStage = *u.CurrentStage
	}
	if u.StageName != nil {
		p.StageName = *u.StageName
	}
	if u.Detail != nil {
		p.Detail = *u.Detail
	}
	return &p
}

func equal(a, b model.JobSnapshot) bool {
	if len(a.Extra) != len(b.Extra) {
		return false
	}
	for k, v := range a.Extra {
		if !model.RawEqual(v, b.Extra[k]) {
			return false
		}
	}
	a.Extra, b.Extra = nil, nil
	return reflect.DeepEqual(a, b)
}
