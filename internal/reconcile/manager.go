// Package reconcile merges the poll and push channels of each watched job into
// a single consistent view.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dublarpro/jobwatch/internal/logbuf"
	"github.com/dublarpro/jobwatch/internal/logger"
	"github.com/dublarpro/jobwatch/internal/model"
	"github.com/dublarpro/jobwatch/internal/store"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("reconcile: manager closed")

// Manager owns at most one Subscription per job.
type Manager struct {
	src    JobSource
	dialer PushDialer
	opts   Options
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewManager creates a manager. dialer may be nil to run on polling alone.
func NewManager(src JobSource, dialer PushDialer, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		src:    src,
		dialer: dialer,
		opts:   opts,
		log:    opts.Logger.Component("reconcile"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe starts tracking jobID, or returns the existing subscription.
func (m *Manager) Subscribe(jobID string) (*Subscription, error) {
	if jobID == "" {
		return nil, fmt.Errorf("reconcile: empty job id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if sub, ok := m.subs[jobID]; ok {
		return sub, nil
	}

	sub := newSubscription(m.ctx, jobID, m.src, m.dialer, m.opts)
	m.subs[jobID] = sub
	m.log.Job(jobID).Info("subscribed")
	return sub, nil
}

// Unsubscribe stops tracking jobID and waits for its goroutines. Unknown or
// already removed jobs are ignored.
func (m *Manager) Unsubscribe(jobID string) {
	m.mu.Lock()
	sub, ok := m.subs[jobID]
	delete(m.subs, jobID)
	m.mu.Unlock()

	if !ok {
		return
	}
	sub.stop()
	m.log.Job(jobID).Info("unsubscribed")
}

// Get returns the live subscription for jobID, if any.
func (m *Manager) Get(jobID string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[jobID]
	return sub, ok
}

// Rearm clears the terminal latch of a live subscription after a retry. It
// reports whether the job was being tracked.
func (m *Manager) Rearm(jobID string) bool {
	sub, ok := m.Get(jobID)
	if !ok {
		return false
	}
	sub.Rearm()
	return true
}

// Len returns the number of live subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close tears down every subscription. Subscribe fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	m.cancel()
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			s.stop()
		}(sub)
	}
	wg.Wait()
}

// FetchView polls jobID once and renders the result the same way a live
// subscription would. The job request must succeed; a failed log request
// leaves the log window empty.
func FetchView(ctx context.Context, src JobSource, jobID string, opts Options) (model.View, error) {
	opts = opts.withDefaults()
	res := NewPollChannel(src, jobID, opts.LogTail).Tick(ctx)
	if res.JobErr != nil {
		return model.View{}, res.JobErr
	}

	st := store.New(jobID)
	if _, outcome := st.ApplyUpdate(res.Job); outcome == store.RejectedMismatch {
		return model.View{}, fmt.Errorf("reconcile: backend returned a different job for %s", jobID)
	}
	logs := logbuf.New(opts.LogCapacity)
	if res.LogsErr == nil {
		logs.Replace(res.Logs)
	}
	return renderView(jobID, st.Snapshot(), logs.Entries(), false, 0, opts.ArtifactBase), nil
}
