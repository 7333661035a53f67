package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/dublarpro/jobwatch/internal/archive"
	"github.com/dublarpro/jobwatch/internal/bus"
	"github.com/dublarpro/jobwatch/internal/client"
	"github.com/dublarpro/jobwatch/internal/client/clienttest"
	"github.com/dublarpro/jobwatch/internal/config"
	"github.com/dublarpro/jobwatch/internal/handler"
	"github.com/dublarpro/jobwatch/internal/middleware"
	"github.com/dublarpro/jobwatch/internal/reconcile"
	"github.com/dublarpro/jobwatch/internal/service"
	ws "github.com/dublarpro/jobwatch/internal/websocket"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	backend *clienttest.Backend
	manager *reconcile.Manager
	auth    *middleware.AuthMiddleware
	objects *objectStore
}

// objectStore is an in-memory bucket for the archive.
type objectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *objectStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
	return nil
}

func (s *objectStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *objectStore) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://archive.test/" + key, nil
}

// setupApp wires the relay the same way cmd/server does, against a fake
// backend, with inline actions and an in-memory bus.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	backend := clienttest.NewBackend(t)
	api := client.NewBackendClient(config.BackendConfig{
		BaseURL:   backend.URL,
		APIPrefix: "/api",
		Timeout:   2 * time.Second,
	}, nil)
	push := client.NewPushClient(backend.WSURL, "", time.Minute, nil)

	opts := reconcile.Options{PollInterval: 20 * time.Millisecond, ReconnectDelay: -1}
	manager := reconcile.NewManager(api, reconcile.FromPushClient(push), opts)

	b := bus.NewMemoryBus(nil)
	objects := &objectStore{objects: make(map[string][]byte)}
	archiver := archive.New(objects, config.ArchiveConfig{URLExpiry: 10 * time.Minute}, nil)
	hub := ws.NewHub(manager, b, nil)
	hub.OnSettled(archiver.Enqueue)
	ctx, cancel := context.WithCancel(context.Background())
	go archiver.Run(ctx)
	go hub.Run(ctx)

	validate := validator.New()
	actions := service.NewActionService(api, service.NewMemoryActionStore(), b, nil, config.ActionsConfig{MaxRetry: 3}, nil)
	auth := middleware.NewAuthMiddleware(testJWTSecret)

	app := fiber.New()
	handler.Routes{
		Health:  handler.NewHealthHandler(api, manager),
		Watch:   handler.NewWatchHandler(manager, api, opts, validate),
		Jobs:    handler.NewJobsHandler(api, actions, validate),
		Archive: handler.NewArchiveHandler(archiver, validate),
		Hub:     hub,
		Auth:    auth.Authenticate(),
	}.Mount(app)

	t.Cleanup(func() {
		cancel()
		manager.Close()
		_ = b.Close()
	})

	return &testApp{app: app, backend: backend, manager: manager, auth: auth, objects: objects}
}

// listen serves the app on a loopback port for WebSocket tests.
func (ta *testApp) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go func() { _ = ta.app.Listener(ln) }()
	t.Cleanup(func() { _ = ta.app.ShutdownWithTimeout(2 * time.Second) })
	return ln.Addr().String()
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T, ta *testApp) string {
	t.Helper()
	signed, err := ta.auth.GenerateToken("test-user-123", "test@example.com")
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, ta *testApp, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t, ta)
	return doRequest(ta.app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode extracts error.code from the response envelope.
func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}
