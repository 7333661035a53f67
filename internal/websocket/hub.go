package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/dublarpro/jobwatch/internal/bus"
	"github.com/dublarpro/jobwatch/internal/logger"
	"github.com/dublarpro/jobwatch/internal/model"
	"github.com/dublarpro/jobwatch/internal/reconcile"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte

	mu     sync.Mutex
	closed bool
}

// trySend queues data without blocking. It reports false once the client is
// closed or its buffer is full.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// Hub maintains active WebSocket connections and one reconcile subscription
// per watched job.
type Hub struct {
	manager   *reconcile.Manager
	bus       bus.Bus
	log       *logger.Logger
	onSettled func(model.View)

	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	done chan struct{}
	mu   sync.RWMutex
}

// NewHub creates a new Hub. b may be nil when no other instance or worker
// needs to reach this one.
func NewHub(manager *reconcile.Manager, b bus.Bus, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		manager:    manager,
		bus:        b,
		log:        log.Component("hub"),
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// OnSettled registers fn to be called with the first terminal view of every
// relayed subscription, and again after a rearmed job settles. Call before Run.
func (h *Hub) OnSettled(fn func(model.View)) {
	h.onSettled = fn
}

// Run starts the hub's main loop and blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	if h.bus != nil {
		if err := h.bus.StartForwarder(ctx, h.onBusMessage); err != nil {
			h.log.Error("bus forwarder failed to start", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	sub, err := h.manager.Subscribe(client.JobID)
	if err != nil {
		h.log.Warn("subscribe failed", "jobId", client.JobID, "error", err)
		if data, err := errorMessage(client.JobID, "SUBSCRIBE_FAILED", err.Error()); err == nil {
			client.trySend(data)
		}
		client.close()
		return
	}

	h.mu.Lock()
	first := h.clients[client.JobID] == nil
	if first {
		h.clients[client.JobID] = make(map[*Client]bool)
	}
	h.clients[client.JobID][client] = true
	h.mu.Unlock()

	if first {
		go h.relay(sub)
	}
	if data, err := viewMessage(sub.View()); err == nil {
		client.trySend(data)
	}
	h.log.Debug("client registered", "jobId", client.JobID)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	clients, ok := h.clients[client.JobID]
	last := false
	if ok && clients[client] {
		delete(clients, client)
		client.close()
		if len(clients) == 0 {
			delete(h.clients, client.JobID)
			last = true
		}
	}
	h.mu.Unlock()

	// Unsubscribing inline keeps a quick reconnect from finding a subscription
	// that is already tearing down.
	if last {
		h.manager.Unsubscribe(client.JobID)
	}
	h.log.Debug("client unregistered", "jobId", client.JobID)
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	var slow []*Client
	for client := range h.clients[msg.JobID] {
		if !client.trySend(msg.Message) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn("dropping slow client", "jobId", msg.JobID)
		h.removeClient(client)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	jobs := make([]string, 0, len(h.clients))
	for jobID, clients := range h.clients {
		for client := range clients {
			client.close()
		}
		jobs = append(jobs, jobID)
	}
	h.clients = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	for _, jobID := range jobs {
		h.manager.Unsubscribe(jobID)
	}
}

// relay forwards a subscription's views to its local sockets until teardown.
func (h *Hub) relay(sub *reconcile.Subscription) {
	settled := false
	for v := range sub.Updates() {
		if v.Terminal && !settled && h.onSettled != nil {
			h.onSettled(v)
		}
		settled = v.Terminal

		data, err := viewMessage(v)
		if err != nil {
			h.log.Error("failed to marshal view", "jobId", sub.JobID(), "error", err)
			continue
		}
		if !h.enqueue(&BroadcastMessage{JobID: sub.JobID(), Message: data}) {
			return
		}
	}
}

func (h *Hub) enqueue(msg *BroadcastMessage) bool {
	select {
	case h.broadcast <- msg:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) onBusMessage(m bus.Message) {
	switch m.Type {
	case bus.TypeRearm:
		if h.manager.Rearm(m.JobID) {
			h.log.Info("rearmed after retry", "jobId", m.JobID)
		}
	case bus.TypeAction:
		h.enqueue(&BroadcastMessage{JobID: m.JobID, Message: m.Payload})
	default:
		h.log.Debug("ignoring bus message", "type", m.Type, "jobId", m.JobID)
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Watching returns the number of sockets open for jobID.
func (h *Hub) Watching(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, sendBuffer),
	}

	h.Register(client)

	// Start writer goroutine
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					_ = c.Close()
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					_ = c.Close()
					return
				}

			case <-ticker.C:
				_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = c.Close()
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", "jobId", jobID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			client.trySend(data)
		}
	}

	h.Unregister(client)
	<-writerDone
}

func viewMessage(v model.View) ([]byte, error) {
	return json.Marshal(model.WSViewMessage{
		Type:  model.WSMessageTypeView,
		JobID: v.JobID,
		View:  v,
	})
}

func errorMessage(jobID, code, message string) ([]byte, error) {
	return json.Marshal(model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{Code: code, Message: message},
	})
}
