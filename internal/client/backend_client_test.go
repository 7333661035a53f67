package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dublarpro/jobwatch/internal/client/clienttest"
	"github.com/dublarpro/jobwatch/internal/config"
	"github.com/dublarpro/jobwatch/internal/model"
)

func newTestClient(t *testing.T, b *clienttest.Backend, token string) *BackendClient {
	t.Helper()
	return NewBackendClient(config.BackendConfig{
		BaseURL:   b.URL,
		APIPrefix: "/api",
		Timeout:   2 * time.Second,
		Token:     token,
	}, nil)
}

func logLines(n int) []model.LogEntry {
	out := make([]model.LogEntry, n)
	for i := range out {
		out[i] = model.LogEntry{Timestamp: "2026-01-01T00:00:00Z", Level: model.LogLevelInfo, Message: "line"}
	}
	return out
}

func TestGetJob(t *testing.T) {
	b := clienttest.NewBackend(t)
	b.SetJob("j1", map[string]any{
		"status":   "running",
		"progress": map[string]any{"percent": 37.5, "current_stage": 4, "stage_name": "Split"},
		"job_type": "dubbing",
	})
	c := newTestClient(t, b, "")

	job, err := c.GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if *job.ID != "j1" || *job.Status != model.JobStatusRunning {
		t.Fatalf("job = %+v", job)
	}
	if *job.Progress.CurrentStage != 4 || *job.Progress.Percent != 37.5 {
		t.Fatalf("progress = %+v", job.Progress)
	}
	if string(job.Extra["job_type"]) != `"dubbing"` {
		t.Fatalf("extra = %v", job.Extra)
	}
}

// TestGetJobNotFound wraps ErrJobNotFound inside an APIError.
func TestGetJobNotFound(t *testing.T) {
	b := clienttest.NewBackend(t)
	c := newTestClient(t, b, "")

	_, err := c.GetJob(context.Background(), "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 || apiErr.Detail != "Job not found" {
		t.Fatalf("api error = %+v", apiErr)
	}
}

func TestGetJobServerError(t *testing.T) {
	b := clienttest.NewBackend(t)
	b.SetJob("j1", map[string]any{"status": "running"})
	b.FailJobRequests(1)
	c := newTestClient(t, b, "")

	_, err := c.GetJob(context.Background(), "j1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("err = %v, want 500 APIError", err)
	}
	if errors.Is(err, ErrJobNotFound) {
		t.Fatalf("500 must not look like not found")
	}

	if _, err := c.GetJob(context.Background(), "j1"); err != nil {
		t.Fatalf("second GetJob: %v", err)
	}
}

// TestGetLogsShapes accepts both the wrapped and the bare array response.
func TestGetLogsShapes(t *testing.T) {
	b := clienttest.NewBackend(t)
	b.SetJob("j1", map[string]any{"status": "running"})
	b.SetLogs("j1", logLines(250))
	c := newTestClient(t, b, "")

	logs, err := c.GetLogs(context.Background(), "j1", 200)
	if err != nil {
		t.Fatalf("GetLogs wrapped: %v", err)
	}
	if len(logs) != 200 {
		t.Fatalf("wrapped len = %d, want 200", len(logs))
	}

	b.WrapLogs(false)
	logs, err = c.GetLogs(context.Background(), "j1", 10)
	if err != nil {
		t.Fatalf("GetLogs bare: %v", err)
	}
	if len(logs) != 10 || logs[0].Level != model.LogLevelInfo {
		t.Fatalf("bare logs = %+v", logs)
	}
}

func TestDecodeLogsEmpty(t *testing.T) {
	for _, raw := range []string{``, `null`, `{"logs":null}`, `[]`} {
		logs, err := decodeLogs(json.RawMessage(raw))
		if err != nil || len(logs) != 0 {
			t.Errorf("decodeLogs(%q) = %v, %v", raw, logs, err)
		}
	}
	if _, err := decodeLogs(json.RawMessage(`"nope"`)); err == nil {
		t.Errorf("decodeLogs of a string should fail")
	}
}

func TestActions(t *testing.T) {
	b := clienttest.NewBackend(t)
	b.SetJob("j1", map[string]any{"status": "running"})
	b.SetJob("j2", map[string]any{"status": "failed", "error": "boom"})
	c := newTestClient(t, b, "")
	ctx := context.Background()

	if err := c.CancelJob(ctx, "j1"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if err := c.RetryJob(ctx, "j2"); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if err := c.DeleteJob(ctx, "j1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if err := c.DeleteJob(ctx, "j1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("second DeleteJob err = %v, want ErrJobNotFound", err)
	}

	want := []string{"cancel:j1", "retry:j2", "delete:j1"}
	got := b.Actions()
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("actions = %v, want %v", got, want)
		}
	}
}

func TestListJobsAndHealth(t *testing.T) {
	b := clienttest.NewBackend(t)
	b.SetJob("j1", map[string]any{"status": "queued"})
	c := newTestClient(t, b, "")

	raw, err := c.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	var jobs []map[string]any
	if err := json.Unmarshal(raw, &jobs); err != nil {
		t.Fatalf("list is not an array: %v (%s)", err, raw)
	}
	if len(jobs) != 1 || jobs[0]["id"] != "j1" {
		t.Fatalf("jobs = %v", jobs)
	}

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

// TestBearerToken sends the configured token on every request.
func TestBearerToken(t *testing.T) {
	b := clienttest.NewBackend(t)
	b.SetJob("j1", map[string]any{"status": "queued"})
	b.RequireToken("secret")

	if _, err := newTestClient(t, b, "").GetJob(context.Background(), "j1"); err == nil {
		t.Fatalf("request without token succeeded")
	}
	if _, err := newTestClient(t, b, "secret").GetJob(context.Background(), "j1"); err != nil {
		t.Fatalf("request with token: %v", err)
	}
}

func TestContextCancelAbortsRequest(t *testing.T) {
	b := clienttest.NewBackend(t)
	b.SetJob("j1", map[string]any{"status": "queued"})
	b.SetJobDelay(time.Second)
	c := newTestClient(t, b, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := c.GetJob(ctx, "j1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("request was not aborted by the context")
	}
}
