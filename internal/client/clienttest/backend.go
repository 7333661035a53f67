// Package clienttest runs an in-process dubbing backend for tests. It serves the
// same REST and WebSocket routes as the real one on a loopback listener.
package clienttest

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/dublarpro/jobwatch/internal/model"
)

// Backend is a fake dubbing backend. All methods are safe for concurrent use.
type Backend struct {
	URL   string // http://127.0.0.1:port
	WSURL string // ws://127.0.0.1:port

	app *fiber.App

	mu          sync.Mutex
	jobs        map[string]map[string]any
	logs        map[string][]model.LogEntry
	wrapLogs    bool
	failJobs    int
	jobDelay    time.Duration
	token       string
	actions     []string
	jobRequests int
	sockets     map[string]map[*socket]struct{}
	dials       map[string]int
}

type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// NewBackend starts a fake backend and stops it when the test ends.
func NewBackend(t testing.TB) *Backend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	b := &Backend{
		URL:      "http://" + ln.Addr().String(),
		WSURL:    "ws://" + ln.Addr().String(),
		jobs:     make(map[string]map[string]any),
		logs:     make(map[string][]model.LogEntry),
		wrapLogs: true,
		sockets:  make(map[string]map[*socket]struct{}),
		dials:    make(map[string]int),
	}
	b.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	b.routes()

	go func() { _ = b.app.Listener(ln) }()
	t.Cleanup(func() { _ = b.app.ShutdownWithTimeout(2 * time.Second) })
	return b
}

// SetJob stores the JSON object returned for GET /api/jobs/{id}.
func (b *Backend) SetJob(id string, job map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make(map[string]any, len(job)+1)
	for k, v := range job {
		cp[k] = v
	}
	cp["id"] = id
	b.jobs[id] = cp
}

// SetLogs replaces a job's log lines.
func (b *Backend) SetLogs(id string, logs []model.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[id] = append([]model.LogEntry(nil), logs...)
}

// WrapLogs selects between {"logs": [...]} (true, the default) and a bare array.
func (b *Backend) WrapLogs(wrap bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wrapLogs = wrap
}

// FailJobRequests makes the next n GET /jobs/{id} calls answer 500.
func (b *Backend) FailJobRequests(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failJobs = n
}

// SetJobDelay delays every GET /jobs/{id} answer.
func (b *Backend) SetJobDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobDelay = d
}

// RequireToken makes every REST route demand "Authorization: Bearer token".
func (b *Backend) RequireToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

// Actions returns the operator actions received so far, e.g. "cancel:j1".
func (b *Backend) Actions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.actions...)
}

// JobRequests returns how many GET /jobs/{id} calls were served.
func (b *Backend) JobRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jobRequests
}

// Dials returns how many push connections were accepted for a job.
func (b *Backend) Dials(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials[id]
}

// Connected returns how many push sockets are open for a job.
func (b *Backend) Connected(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sockets[id])
}

// WaitConnected blocks until n push sockets are open for a job.
func (b *Backend) WaitConnected(t testing.TB, id string, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for b.Connected(id) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d push connection(s) to %s", n, id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Push sends a raw message to every push socket of a job.
func (b *Backend) Push(id string, msg any) {
	data, ok := msg.([]byte)
	if !ok {
		if s, isString := msg.(string); isString {
			data = []byte(s)
		} else {
			data, _ = json.Marshal(msg)
		}
	}
	for _, s := range b.socketsFor(id) {
		_ = s.write(data)
	}
}

// DropPush closes every push socket of a job from the server side.
func (b *Backend) DropPush(id string) {
	for _, s := range b.socketsFor(id) {
		s.mu.Lock()
		_ = s.conn.Close()
		s.mu.Unlock()
	}
}

func (b *Backend) socketsFor(id string) []*socket {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*socket, 0, len(b.sockets[id]))
	for s := range b.sockets[id] {
		out = append(out, s)
	}
	return out
}

func (b *Backend) routes() {
	b.app.Get("/api/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := b.app.Group("/api", b.checkToken)
	api.Get("/jobs", b.listJobs)
	api.Get("/jobs/:id", b.getJob)
	api.Get("/jobs/:id/logs", b.getLogs)
	api.Delete("/jobs/:id", b.cancelOrDelete)
	api.Post("/jobs/:id/retry", b.retry)

	b.app.Get("/ws/jobs/:id", websocket.New(b.serveSocket))
}

func (b *Backend) checkToken(c *fiber.Ctx) error {
	b.mu.Lock()
	token := b.token
	b.mu.Unlock()
	if token != "" && c.Get("Authorization") != "Bearer "+token {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"detail": "Not authenticated"})
	}
	return c.Next()
}

func (b *Backend) listJobs(c *fiber.Ctx) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := make([]map[string]any, 0, len(b.jobs))
	for _, j := range b.jobs {
		list = append(list, j)
	}
	return c.JSON(list)
}

func (b *Backend) getJob(c *fiber.Ctx) error {
	id := c.Params("id")

	b.mu.Lock()
	b.jobRequests++
	delay := b.jobDelay
	fail := b.failJobs > 0
	if fail {
		b.failJobs--
	}
	job, ok := b.jobs[id]
	var body []byte
	if ok {
		body, _ = json.Marshal(job)
	}
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": "database unavailable"})
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Job not found"})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(body)
}

func (b *Backend) getLogs(c *fiber.Ctx) error {
	id := c.Params("id")
	lastN, _ := strconv.Atoi(c.Query("last_n", "100"))

	b.mu.Lock()
	_, ok := b.jobs[id]
	logs := b.logs[id]
	if lastN > 0 && len(logs) > lastN {
		logs = logs[len(logs)-lastN:]
	}
	logs = append([]model.LogEntry{}, logs...)
	wrap := b.wrapLogs
	b.mu.Unlock()

	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Job not found"})
	}
	if wrap {
		return c.JSON(fiber.Map{"logs": logs})
	}
	return c.JSON(logs)
}

func (b *Backend) cancelOrDelete(c *fiber.Ctx) error {
	id := c.Params("id")

	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Job not found"})
	}
	if c.Query("delete") == "true" {
		delete(b.jobs, id)
		b.actions = append(b.actions, "delete:"+id)
		return c.JSON(fiber.Map{"deleted": true})
	}
	job["status"] = string(model.JobStatusCancelled)
	b.actions = append(b.actions, "cancel:"+id)
	return c.JSON(fiber.Map{"status": "cancelled"})
}

func (b *Backend) retry(c *fiber.Ctx) error {
	id := c.Params("id")

	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Job not found"})
	}
	job["status"] = string(model.JobStatusQueued)
	delete(job, "error")
	b.actions = append(b.actions, "retry:"+id)
	return c.JSON(fiber.Map{"status": "queued"})
}

func (b *Backend) serveSocket(c *websocket.Conn) {
	id := c.Params("id")
	s := &socket{conn: c}

	b.mu.Lock()
	job, ok := b.jobs[id]
	var snapshot []byte
	if ok {
		snapshot, _ = json.Marshal(fiber.Map{"event": "connected", "job": job})
	}
	b.mu.Unlock()

	if !ok {
		data, _ := json.Marshal(fiber.Map{"error": "Job not found"})
		_ = s.write(data)
		return
	}

	b.mu.Lock()
	if b.sockets[id] == nil {
		b.sockets[id] = make(map[*socket]struct{})
	}
	b.sockets[id][s] = struct{}{}
	b.dials[id]++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.sockets[id], s)
		b.mu.Unlock()
	}()

	if err := s.write(snapshot); err != nil {
		return
	}

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "ping" {
			_ = s.write([]byte(`{"event":"pong"}`))
		}
	}
}
