package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dublarpro/jobwatch/internal/config"
	"github.com/dublarpro/jobwatch/internal/logger"
	"github.com/dublarpro/jobwatch/internal/model"
)

// ErrJobNotFound is wrapped by errors for jobs the backend does not know.
var ErrJobNotFound = errors.New("job not found")

// APIError is a non-2xx answer from the dubbing backend.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Detail)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrJobNotFound
	}
	return nil
}

// JobAPI defines the backend operations used by the engine and the relay.
type JobAPI interface {
	GetJob(ctx context.Context, jobID string) (model.JobUpdate, error)
	GetLogs(ctx context.Context, jobID string, lastN int) ([]model.LogEntry, error)
	CancelJob(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error
	RetryJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context) (json.RawMessage, error)
	HealthCheck(ctx context.Context) error
}

// BackendClient implements JobAPI over the backend's REST endpoints.
type BackendClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	log        *logger.Logger
}

// NewBackendClient creates a client for cfg.BaseURL + cfg.APIPrefix.
func NewBackendClient(cfg config.BackendConfig, log *logger.Logger) *BackendClient {
	if log == nil {
		log = logger.Nop()
	}
	return &BackendClient{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: cfg.APIURL(),
		token:   cfg.Token,
		log:     log.Component("backend_client"),
	}
}

// GetJob fetches the full job state. The result is decoded leniently as a
// partial update so unknown or malformed-but-ignorable fields never fail it.
func (c *BackendClient) GetJob(ctx context.Context, jobID string) (model.JobUpdate, error) {
	var job model.JobUpdate
	if err := c.get(ctx, jobPath(jobID), &job); err != nil {
		return model.JobUpdate{}, err
	}
	return job, nil
}

// GetLogs fetches the last lastN log lines. The backend may answer with a bare
// array or with {"logs": [...]}.
func (c *BackendClient) GetLogs(ctx context.Context, jobID string, lastN int) ([]model.LogEntry, error) {
	endpoint := jobPath(jobID) + "/logs?last_n=" + strconv.Itoa(lastN)

	var raw json.RawMessage
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, err
	}
	return decodeLogs(raw)
}

// CancelJob asks the backend to stop a running job.
func (c *BackendClient) CancelJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, jobPath(jobID), nil)
}

// DeleteJob removes a job and its artifacts.
func (c *BackendClient) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, jobPath(jobID)+"?delete=true", nil)
}

// RetryJob re-queues a failed or cancelled job.
func (c *BackendClient) RetryJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, jobPath(jobID)+"/retry", nil)
}

// ListJobs returns the backend's job list as a JSON array.
func (c *BackendClient) ListJobs(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/jobs", &raw); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Jobs json.RawMessage `json:"jobs"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job list: %w", err)
		}
		trimmed = wrapped.Jobs
	}
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return json.RawMessage("[]"), nil
	}
	return json.RawMessage(trimmed), nil
}

// HealthCheck checks if the backend is reachable.
func (c *BackendClient) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil)
}

func jobPath(jobID string) string {
	return "/jobs/" + url.PathEscape(jobID)
}

func decodeLogs(raw json.RawMessage) ([]model.LogEntry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if trimmed[0] == '{' {
		var wrapped struct {
			Logs []model.LogEntry `json:"logs"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to unmarshal logs: %w", err)
		}
		return wrapped.Logs, nil
	}
	var logs []model.LogEntry
	if err := json.Unmarshal(trimmed, &logs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal logs: %w", err)
	}
	return logs, nil
}

func (c *BackendClient) get(ctx context.Context, endpoint string, result interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, result)
}

func (c *BackendClient) do(ctx context.Context, method, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *BackendClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.log.Debug("backend request", "method", req.Method, "url", req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("backend response", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode, "bytes", len(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Detail: errorDetail(respBody)}
	}

	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// errorDetail extracts {"detail": "..."} or {"error": "..."} when present.
func errorDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, raw := range []json.RawMessage{payload.Detail, payload.Error} {
			if len(raw) == 0 || string(raw) == "null" {
				continue
			}
			var s string
			if json.Unmarshal(raw, &s) == nil {
				return s
			}
			return string(raw)
		}
	}
	return string(bytes.TrimSpace(body))
}
