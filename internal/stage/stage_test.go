package stage

import (
	"testing"

	"github.com/dublarpro/jobwatch/internal/model"
)

func snapshot(status model.JobStatus, current int, percent float64) model.JobSnapshot {
	return model.JobSnapshot{
		ID:       "job-1",
		Status:   status,
		Progress: &model.Progress{Percent: percent, CurrentStage: current},
	}
}

func states(stages []model.Stage) []model.StageState {
	out := make([]model.StageState, len(stages))
	for i, s := range stages {
		out[i] = s.State
	}
	return out
}

// TestDeriveRunning puts stage 4 in progress with 1..3 done.
func TestDeriveRunning(t *testing.T) {
	got := Derive(snapshot(model.JobStatusRunning, 4, 35))
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	for i, st := range got {
		want := model.StagePending
		switch {
		case i < 3:
			want = model.StageDone
		case i == 3:
			want = model.StageCurrent
		}
		if st.State != want {
			t.Fatalf("stage %d = %s, want %s (%v)", st.Index, st.State, want, states(got))
		}
	}
	if got[3].Name != "Split" || got[9].Name != "Final Mux" {
		t.Fatalf("names = %q, %q", got[3].Name, got[9].Name)
	}
}

// TestDeriveCompleted marks every stage done regardless of current_stage.
func TestDeriveCompleted(t *testing.T) {
	s := snapshot(model.JobStatusCompleted, 7, 80)
	for _, st := range Derive(s) {
		if st.State != model.StageDone {
			t.Fatalf("stage %d = %s, want done", st.Index, st.State)
		}
	}
	if p := DisplayPercent(s); p != 100 {
		t.Fatalf("percent = %v, want 100", p)
	}
}

// TestDeriveFailed keeps earlier stages done but shows nothing current.
func TestDeriveFailed(t *testing.T) {
	got := Derive(snapshot(model.JobStatusFailed, 5, 50))
	if got[3].State != model.StageDone || got[4].State != model.StagePending {
		t.Fatalf("states = %v", states(got))
	}
}

func TestDeriveQueuedAndEmpty(t *testing.T) {
	got := Derive(model.JobSnapshot{ID: "job-1", Status: model.JobStatusQueued})
	for _, st := range got {
		if st.State != model.StagePending {
			t.Fatalf("queued without progress: stage %d = %s", st.Index, st.State)
		}
	}

	got = Derive(snapshot(model.JobStatusQueued, 1, 0))
	if got[0].State != model.StageCurrent {
		t.Fatalf("queued at stage 1: %v", states(got))
	}
}

// TestDeriveUnknownStatus never crashes and never shows a current stage.
func TestDeriveUnknownStatus(t *testing.T) {
	got := Derive(snapshot("paused", 3, 20))
	if got[1].State != model.StageDone || got[2].State != model.StagePending {
		t.Fatalf("states = %v", states(got))
	}
	if Label("paused") != "paused" {
		t.Fatalf("label = %q", Label("paused"))
	}
}

func TestDisplayPercentClamps(t *testing.T) {
	cases := []struct {
		snap model.JobSnapshot
		want float64
	}{
		{snapshot(model.JobStatusRunning, 2, 42.5), 42.5},
		{snapshot(model.JobStatusRunning, 2, -3), 0},
		{snapshot(model.JobStatusRunning, 2, 140), 100},
		{model.JobSnapshot{Status: model.JobStatusRunning}, 0},
		{model.JobSnapshot{Status: model.JobStatusCompleted}, 100},
	}
	for _, tc := range cases {
		if got := DisplayPercent(tc.snap); got != tc.want {
			t.Errorf("DisplayPercent(%+v) = %v, want %v", tc.snap, got, tc.want)
		}
	}
}

func TestBoard(t *testing.T) {
	got := Board(snapshot(model.JobStatusRunning, 3, 20))
	want := "✓1 ✓2 ▶3 ·4 ·5 ·6 ·7 ·8 ·9 ·10"
	if got != want {
		t.Fatalf("board = %q, want %q", got, want)
	}
}
