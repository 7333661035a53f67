package websocket

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	fws "github.com/fasthttp/websocket"

	"github.com/dublarpro/jobwatch/internal/bus"
	"github.com/dublarpro/jobwatch/internal/client"
	"github.com/dublarpro/jobwatch/internal/client/clienttest"
	"github.com/dublarpro/jobwatch/internal/config"
	"github.com/dublarpro/jobwatch/internal/model"
	"github.com/dublarpro/jobwatch/internal/reconcile"
)

type hubEnv struct {
	backend *clienttest.Backend
	manager *reconcile.Manager
	bus     bus.Bus
	hub     *Hub
	wsURL   string
}

// newHubEnv starts a hub on a loopback listener. setup runs before the hub does.
func newHubEnv(t *testing.T, setup ...func(*Hub)) *hubEnv {
	t.Helper()

	backend := clienttest.NewBackend(t)
	api := client.NewBackendClient(config.BackendConfig{
		BaseURL:   backend.URL,
		APIPrefix: "/api",
		Timeout:   2 * time.Second,
	}, nil)
	manager := reconcile.NewManager(api, nil, reconcile.Options{
		PollInterval:   20 * time.Millisecond,
		ReconnectDelay: -1,
	})
	b := bus.NewMemoryBus(nil)
	hub := NewHub(manager, b, nil)
	for _, fn := range setup {
		fn(hub)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws/watch/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))
	go func() { _ = app.Listener(ln) }()

	t.Cleanup(func() {
		cancel()
		_ = app.ShutdownWithTimeout(2 * time.Second)
		manager.Close()
		_ = b.Close()
	})

	return &hubEnv{
		backend: backend,
		manager: manager,
		bus:     b,
		hub:     hub,
		wsURL:   "ws://" + ln.Addr().String() + "/ws/watch/",
	}
}

func (e *hubEnv) dial(t *testing.T, jobID string) *fws.Conn {
	t.Helper()
	conn, _, err := fws.DefaultDialer.Dial(e.wsURL+jobID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type relayed struct {
	Type      string      `json:"type"`
	JobID     string      `json:"jobId"`
	View      *model.View `json:"view"`
	Action    string      `json:"action"`
	RequestID string      `json:"requestId"`
	OK        bool        `json:"ok"`
}

// readUntil reads relay messages until cond matches.
func readUntil(t *testing.T, conn *fws.Conn, cond func(relayed) bool) relayed {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg relayed
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad relay message %s: %v", data, err)
		}
		if cond(msg) {
			return msg
		}
	}
}

func viewWithStatus(s model.JobStatus) func(relayed) bool {
	return func(m relayed) bool {
		return m.Type == model.WSMessageTypeView && m.View != nil && m.View.Snapshot.Status == s
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubStreamsViews(t *testing.T) {
	env := newHubEnv(t)
	env.backend.SetJob("j1", map[string]any{"status": "queued"})

	conn := env.dial(t, "j1")
	first := readUntil(t, conn, func(m relayed) bool { return m.Type == model.WSMessageTypeView })
	if first.JobID != "j1" {
		t.Fatalf("jobId = %q", first.JobID)
	}

	env.backend.SetJob("j1", map[string]any{
		"status":   "running",
		"progress": map[string]any{"percent": 30, "current_stage": 3},
	})
	msg := readUntil(t, conn, viewWithStatus(model.JobStatusRunning))
	if msg.View.Percent != 30 || msg.View.Stages[2].State != model.StageCurrent {
		t.Fatalf("percent=%v stage3=%s", msg.View.Percent, msg.View.Stages[2].State)
	}
}

func TestHubAnswersPing(t *testing.T) {
	env := newHubEnv(t)
	env.backend.SetJob("j1", map[string]any{"status": "queued"})

	conn := env.dial(t, "j1")
	if err := conn.WriteMessage(fws.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, func(m relayed) bool { return m.Type == model.WSMessageTypePong })
}

// TestHubSharesSubscription keeps one subscription until the last socket leaves.
func TestHubSharesSubscription(t *testing.T) {
	env := newHubEnv(t)
	env.backend.SetJob("j1", map[string]any{"status": "queued"})

	a := env.dial(t, "j1")
	b := env.dial(t, "j1")
	readUntil(t, a, viewWithStatus(model.JobStatusQueued))
	readUntil(t, b, viewWithStatus(model.JobStatusQueued))
	waitFor(t, "two sockets", func() bool { return env.hub.Watching("j1") == 2 })
	if env.manager.Len() != 1 {
		t.Fatalf("subscriptions = %d, want 1", env.manager.Len())
	}

	_ = a.Close()
	waitFor(t, "one socket", func() bool { return env.hub.Watching("j1") == 1 })
	if env.manager.Len() != 1 {
		t.Fatalf("subscription dropped while a socket is still open")
	}

	_ = b.Close()
	waitFor(t, "unsubscribe", func() bool { return env.manager.Len() == 0 })
}

func TestHubRelaysActions(t *testing.T) {
	env := newHubEnv(t)
	env.backend.SetJob("j1", map[string]any{"status": "running"})

	conn := env.dial(t, "j1")
	readUntil(t, conn, viewWithStatus(model.JobStatusRunning))

	payload, _ := json.Marshal(model.WSActionMessage{
		Type:      model.WSMessageTypeAction,
		JobID:     "j1",
		Action:    "cancel",
		RequestID: "req-1",
		OK:        true,
	})
	if err := env.bus.Publish(context.Background(), bus.Message{Type: bus.TypeAction, JobID: "j1", Payload: payload}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := readUntil(t, conn, func(m relayed) bool { return m.Type == model.WSMessageTypeAction })
	if msg.Action != "cancel" || msg.RequestID != "req-1" || !msg.OK {
		t.Fatalf("action message = %+v", msg)
	}
}

// TestHubRearmFromBus lets a retried job leave its terminal state.
func TestHubRearmFromBus(t *testing.T) {
	env := newHubEnv(t)
	env.backend.SetJob("j1", map[string]any{"status": "failed", "error": "tts timeout"})

	conn := env.dial(t, "j1")
	msg := readUntil(t, conn, viewWithStatus(model.JobStatusFailed))
	if e := msg.View.Snapshot.Error; e == nil || *e != "tts timeout" {
		t.Fatalf("error = %v", e)
	}

	env.backend.SetJob("j1", map[string]any{"status": "queued"})
	if err := env.bus.Publish(context.Background(), bus.Message{Type: bus.TypeRearm, JobID: "j1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	readUntil(t, conn, viewWithStatus(model.JobStatusQueued))
}

func TestHubReportsSettledJobs(t *testing.T) {
	settled := make(chan model.View, 4)
	env := newHubEnv(t, func(h *Hub) {
		h.OnSettled(func(v model.View) { settled <- v })
	})
	env.backend.SetJob("j1", map[string]any{"status": "completed"})

	conn := env.dial(t, "j1")
	defer conn.Close()

	select {
	case v := <-settled:
		if v.JobID != "j1" || v.Snapshot.Status != model.JobStatusCompleted {
			t.Fatalf("settled view = %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("settled hook not called")
	}

	// later polls of the same terminal job are not reported again
	select {
	case v := <-settled:
		t.Fatalf("reported twice: %+v", v)
	case <-time.After(100 * time.Millisecond):
	}
}
