package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/dublarpro/jobwatch/internal/logger"
	"github.com/dublarpro/jobwatch/internal/model"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	eventBuffer         = 64
)

// PushClient opens per-job WebSocket streams on the backend.
type PushClient struct {
	baseURL      string
	token        string
	pingInterval time.Duration
	dialer       *websocket.Dialer
	log          *logger.Logger
}

// NewPushClient creates a client for wsBase + /ws/jobs/{id}. A zero
// pingInterval uses 30s.
func NewPushClient(wsBase, token string, pingInterval time.Duration, log *logger.Logger) *PushClient {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PushClient{
		baseURL:      strings.TrimRight(wsBase, "/"),
		token:        token,
		pingInterval: pingInterval,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: writeWait,
		},
		log: log.Component("push_client"),
	}
}

// Dial connects to the job's push stream. The returned stream delivers decoded
// events until the connection ends or Close is called.
func (c *PushClient) Dial(ctx context.Context, jobID string) (*PushStream, error) {
	endpoint := c.baseURL + "/ws/jobs/" + url.PathEscape(jobID)

	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial push stream (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial push stream: %w", err)
	}

	s := &PushStream{
		conn:   conn,
		events: make(chan model.PushEvent, eventBuffer),
		done:   make(chan struct{}),
		ended:  make(chan struct{}),
		log:    c.log.Job(jobID),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop(c.pingInterval)
	return s, nil
}

// PushStream is one live connection to /ws/jobs/{id}.
type PushStream struct {
	conn   *websocket.Conn
	events chan model.PushEvent
	done   chan struct{} // closed by Close
	ended  chan struct{} // closed when the reader exits

	closeOnce sync.Once
	writeMu   sync.Mutex
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error

	log *logger.Logger
}

// Events delivers decoded push events. It is closed when the connection ends.
func (s *PushStream) Events() <-chan model.PushEvent {
	return s.events
}

// Err returns why the stream ended, or nil while it is open or after Close.
func (s *PushStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close shuts the connection down and waits for the stream goroutines. Safe to
// call more than once.
func (s *PushStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	s.wg.Wait()
	return err
}

func (s *PushStream) readLoop() {
	defer s.wg.Done()
	defer close(s.ended)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Warn("push stream ended", "error", err)
				}
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
			}
			return
		}

		ev, err := model.DecodePushEvent(data)
		if err != nil {
			s.log.Debug("dropping malformed push message", "error", err, "bytes", len(data))
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *PushStream) pingLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ended:
			return
		case <-ticker.C:
			// the backend expects a text "ping", not a control frame
			if err := s.write([]byte("ping")); err != nil {
				s.log.Debug("keep-alive ping failed", "error", err)
				return
			}
		}
	}
}

func (s *PushStream) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
