package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dublarpro/jobwatch/internal/model"
)

var errBackendDown = errors.New("backend down")

// fakeSource is an in-memory JobSource.
type fakeSource struct {
	mu       sync.Mutex
	job      string
	logs     []model.LogEntry
	failJobs int
	calls    int
	inFlight int
	maxInFl  int
	delay    time.Duration
	gate     chan struct{} // when set, GetJob waits for it and ignores ctx
}

func (f *fakeSource) setJob(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job = raw
}

func (f *fakeSource) setLogs(logs []model.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = logs
}

func (f *fakeSource) GetJob(ctx context.Context, jobID string) (model.JobUpdate, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxInFl {
		f.maxInFl = f.inFlight
	}
	fail := f.failJobs > 0
	if fail {
		f.failJobs--
	}
	raw, delay, gate := f.job, f.delay, f.gate
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if gate != nil {
		<-gate
	} else if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.JobUpdate{}, ctx.Err()
		}
	}
	if fail {
		return model.JobUpdate{}, errBackendDown
	}
	if raw == "" {
		raw = `{"id":"` + jobID + `","status":"queued"}`
	}
	var u model.JobUpdate
	err := json.Unmarshal([]byte(raw), &u)
	return u, err
}

func (f *fakeSource) GetLogs(ctx context.Context, jobID string, lastN int) ([]model.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	logs := f.logs
	if len(logs) > lastN {
		logs = logs[len(logs)-lastN:]
	}
	return append([]model.LogEntry(nil), logs...), nil
}

func (f *fakeSource) stats() (calls, maxInFlight int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.maxInFl
}

// fakeConn is a push stream driven by the test.
type fakeConn struct {
	events    chan model.PushEvent
	closed    chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan model.PushEvent),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Events() <-chan model.PushEvent { return c.events }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// send blocks until the subscription takes the event or closes the stream.
func (c *fakeConn) send(t *testing.T, raw string) {
	t.Helper()
	ev, err := model.DecodePushEvent([]byte(raw))
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	select {
	case c.events <- ev:
	case <-c.closed:
		t.Fatalf("push stream closed before %s was delivered", raw)
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not read %s", raw)
	}
}

// end simulates the backend closing the socket.
func (c *fakeConn) end() {
	c.endOnce.Do(func() { close(c.events) })
}

// fakeDialer hands out fakeConns and records every dial.
type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	fail   bool
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, jobID string) (PushConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no push dial")
	}
	return nil
}

func fastOptions() Options {
	return Options{
		PollInterval:   10 * time.Millisecond,
		LogTail:        200,
		LogCapacity:    500,
		ReconnectDelay: 20 * time.Millisecond,
	}
}

// waitView polls View until cond holds.
func waitView(t *testing.T, sub *Subscription, cond func(model.View) bool) model.View {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		v := sub.View()
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out; last view: status=%q percent=%v seq=%d push=%v",
				v.Snapshot.Status, v.Percent, v.Seq, v.PushConnected)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func statusIs(s model.JobStatus) func(model.View) bool {
	return func(v model.View) bool { return v.Snapshot.Status == s }
}
