// Package stage derives the fixed ten-stage pipeline board from a job snapshot.
package stage

import (
	"strconv"
	"strings"

	"github.com/dublarpro/jobwatch/internal/model"
)

// Names are the pipeline stages in execution order. Stage i has index i+1.
var Names = [...]string{
	"Download",
	"Transcription",
	"Translation",
	"Split",
	"TTS",
	"Fade In/Out",
	"Synchronization",
	"Concatenation",
	"Post-Processing",
	"Final Mux",
}

// Count is the number of pipeline stages.
const Count = len(Names)

// Derive classifies every stage for the given snapshot.
func Derive(s model.JobSnapshot) []model.Stage {
	current := 0
	if s.Progress != nil {
		current = s.Progress.CurrentStage
	}
	completed := s.Status == model.JobStatusCompleted
	active := s.Status.IsActive()

	stages := make([]model.Stage, Count)
	for i, name := range Names {
		idx := i + 1
		state := model.StagePending
		switch {
		case completed || idx < current:
			state = model.StageDone
		case idx == current && active:
			state = model.StageCurrent
		}
		stages[i] = model.Stage{Index: idx, Name: name, State: state}
	}
	return stages
}

// DisplayPercent is 100 for a completed job, otherwise the reported percent
// clamped to [0, 100].
func DisplayPercent(s model.JobSnapshot) float64 {
	if s.Status == model.JobStatusCompleted {
		return 100
	}
	if s.Progress == nil {
		return 0
	}
	p := s.Progress.Percent
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// Label returns a human readable status. Unknown statuses are shown as received.
func Label(status model.JobStatus) string {
	switch status {
	case model.JobStatusQueued:
		return "Queued"
	case model.JobStatusRunning:
		return "Running"
	case model.JobStatusCompleted:
		return "Completed"
	case model.JobStatusFailed:
		return "Failed"
	case model.JobStatusCancelled:
		return "Cancelled"
	case "":
		return "Unknown"
	}
	return string(status)
}

var marks = map[model.StageState]string{
	model.StageDone:    "✓",
	model.StageCurrent: "▶",
	model.StagePending: "·",
}

// Board renders the stages as a single line, e.g. "✓1 ✓2 ▶3 ·4 ...".
func Board(s model.JobSnapshot) string {
	var b strings.Builder
	for i, st := range Derive(s) {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(marks[st.State])
		b.WriteString(strconv.Itoa(st.Index))
	}
	return b.String()
}
