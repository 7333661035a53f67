package reconcile

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dublarpro/jobwatch/internal/logbuf"
	"github.com/dublarpro/jobwatch/internal/logger"
	"github.com/dublarpro/jobwatch/internal/model"
	"github.com/dublarpro/jobwatch/internal/stage"
	"github.com/dublarpro/jobwatch/internal/store"
)

var epochs atomic.Uint64

type dialResult struct {
	conn PushConn
	err  error
}

// Subscription tracks one job. A single goroutine owns the store, the log
// buffer and the push connection; everything else reads published Views.
type Subscription struct {
	jobID  string
	opts   Options
	poll   *PollChannel
	dialer PushDialer
	log    *logger.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	pollResults chan PollResult
	dialed      chan dialResult
	rearm       chan struct{}
	updates     chan model.View

	mu   sync.RWMutex
	view model.View

	// loop-owned
	store         *store.Store
	logs          *logbuf.Ring
	epoch         uint64
	seq           int64
	polling       bool
	dialing       bool
	push          PushConn
	pushEvents    <-chan model.PushEvent
	pushConnected bool
	reconnect     *time.Timer
	reconnectC    <-chan time.Time
}

func newSubscription(parent context.Context, jobID string, src JobSource, dialer PushDialer, opts Options) *Subscription {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	epoch := epochs.Add(1)
	s := &Subscription{
		jobID:       jobID,
		opts:        opts,
		poll:        NewPollChannel(src, jobID, opts.LogTail),
		dialer:      dialer,
		log:         opts.Logger.Subscription(jobID, epoch),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		pollResults: make(chan PollResult),
		dialed:      make(chan dialResult),
		rearm:       make(chan struct{}),
		updates:     make(chan model.View, 1),
		store:       store.New(jobID),
		logs:        logbuf.New(opts.LogCapacity),
		epoch:       epoch,
	}
	s.view = s.buildView()

	s.wg.Add(1)
	go s.run()
	return s
}

// JobID returns the tracked job.
func (s *Subscription) JobID() string { return s.jobID }

// View returns the most recently published view.
func (s *Subscription) View() model.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Snapshot returns a copy of the reconciled job state.
func (s *Subscription) Snapshot() model.JobSnapshot {
	return s.View().Snapshot.Clone()
}

// Logs returns a copy of the visible log window.
func (s *Subscription) Logs() []model.LogEntry {
	logs := s.View().Logs
	out := make([]model.LogEntry, len(logs))
	copy(out, logs)
	return out
}

// Updates delivers views as they change. Slow readers only see the latest one.
// The channel is closed once the subscription is torn down.
func (s *Subscription) Updates() <-chan model.View {
	return s.updates
}

// Done is closed when teardown starts.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Rearm clears the terminal latch so a retried job can move back to queued.
// Poll results already in flight are discarded.
func (s *Subscription) Rearm() {
	select {
	case s.rearm <- struct{}{}:
	case <-s.done:
	}
}

// stop tears the subscription down and waits for all of its goroutines.
func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	s.wg.Wait()
}

func (s *Subscription) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) run() {
	defer s.wg.Done()
	defer close(s.updates)
	defer s.closePush()
	defer s.stopReconnect()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.startPoll()
	s.startDial()

	for {
		select {
		case <-s.done:
			return

		case <-ticker.C:
			s.startPoll()

		case res := <-s.pollResults:
			s.polling = false
			if s.stopped() {
				return
			}
			if res.epoch != s.epoch {
				s.log.Debug("discarding stale poll result")
				continue
			}
			s.applyPoll(res)

		case ev, ok := <-s.pushEvents:
			if s.stopped() {
				return
			}
			if !ok {
				s.log.Info("push stream closed")
				s.dropPush()
				continue
			}
			s.applyPush(ev)

		case d := <-s.dialed:
			s.dialing = false
			s.attachPush(d)

		case <-s.reconnectC:
			s.reconnectC = nil
			if s.store.Status().IsTerminal() {
				continue
			}
			s.startDial()

		case <-s.rearm:
			s.store.Rearm()
			s.epoch = epochs.Add(1)
			s.log = s.opts.Logger.Subscription(s.jobID, s.epoch)
			s.log.Info("subscription rearmed")
			if s.push == nil && !s.dialing {
				s.stopReconnect()
				s.startDial()
			}
		}
	}
}

func (s *Subscription) startPoll() {
	if s.polling {
		s.log.Debug("poll skipped, previous tick still in flight")
		return
	}
	s.polling = true
	epoch := s.epoch

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.poll.Tick(s.ctx)
		res.epoch = epoch
		select {
		case s.pollResults <- res:
		case <-s.done:
		}
	}()
}

func (s *Subscription) applyPoll(res PollResult) {
	changed := false

	if res.JobErr != nil {
		s.log.Warn("poll job failed", "error", res.JobErr)
	} else if _, outcome := s.store.ApplyUpdate(res.Job); outcome == store.Applied {
		changed = true
		s.syncReconnect()
	} else if outcome.Rejected() {
		s.log.Debug("poll snapshot rejected", "outcome", outcome.String())
	}

	if res.LogsErr != nil {
		s.log.Warn("poll logs failed", "error", res.LogsErr)
	} else {
		tail := res.Logs
		if n := s.logs.Cap(); len(tail) > n {
			tail = tail[len(tail)-n:]
		}
		if !sameLogs(s.logs.Entries(), tail) {
			s.logs.Replace(tail)
			changed = true
		}
	}

	if changed {
		s.publish()
	}
}

func (s *Subscription) applyPush(ev model.PushEvent) {
	switch e := ev.(type) {
	case model.ProgressEvent:
		s.applyUpdate(e.Update, "progress")
	case model.StatusEvent:
		s.applyUpdate(e.Update, "status")
	case model.ConnectedEvent:
		s.applyUpdate(e.Update, "connected")
	case model.LogEvent:
		s.logs.Append(e.Entry)
		s.publish()
	case model.PongEvent:
	case model.ErrorEvent:
		s.log.Warn("push stream refused", "error", e.Message)
		s.dropPush()
	default:
		s.log.Debug("ignoring push event", "kind", ev.Kind())
	}
}

func (s *Subscription) applyUpdate(u model.JobUpdate, source string) {
	_, outcome := s.store.ApplyUpdate(u)
	switch {
	case outcome == store.Applied:
		s.syncReconnect()
		s.publish()
	case outcome.Rejected():
		s.log.Debug("push update rejected", "event", source, "outcome", outcome.String())
	}
}

func (s *Subscription) startDial() {
	if s.dialer == nil || s.dialing || s.push != nil {
		return
	}
	s.dialing = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn, err := s.dialer.Dial(s.ctx, s.jobID)
		select {
		case s.dialed <- dialResult{conn: conn, err: err}:
		case <-s.done:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (s *Subscription) attachPush(d dialResult) {
	if d.err != nil {
		s.log.Warn("push dial failed", "error", d.err)
		s.scheduleReconnect()
		return
	}
	s.push = d.conn
	s.pushEvents = d.conn.Events()
	s.pushConnected = true
	s.log.Debug("push stream connected")
	s.publish()
}

// dropPush closes the current stream and schedules a redial.
func (s *Subscription) dropPush() {
	s.closePush()
	if s.pushConnected {
		s.pushConnected = false
		s.publish()
	}
	s.scheduleReconnect()
}

func (s *Subscription) closePush() {
	if s.push == nil {
		return
	}
	_ = s.push.Close()
	s.push = nil
	s.pushEvents = nil
}

func (s *Subscription) scheduleReconnect() {
	if s.opts.ReconnectDelay < 0 {
		return
	}
	if s.store.Status().IsTerminal() {
		s.log.Debug("job is terminal, not reconnecting push stream")
		return
	}
	s.stopReconnect()
	s.reconnect = time.NewTimer(s.opts.ReconnectDelay)
	s.reconnectC = s.reconnect.C
}

// syncReconnect keeps the redial timer in step with the job status: a terminal
// job never redials, and a job that left a terminal status gets its stream back.
func (s *Subscription) syncReconnect() {
	if s.store.Status().IsTerminal() {
		s.stopReconnect()
		return
	}
	if s.dialer != nil && s.push == nil && !s.dialing && s.reconnectC == nil {
		s.scheduleReconnect()
	}
}

func (s *Subscription) stopReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	s.reconnectC = nil
}

func (s *Subscription) publish() {
	s.seq++
	v := s.buildView()

	s.mu.Lock()
	s.view = v
	s.mu.Unlock()

	// keep only the newest view buffered
	select {
	case s.updates <- v:
	default:
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- v:
		default:
		}
	}
}

func (s *Subscription) buildView() model.View {
	return renderView(s.jobID, s.store.Snapshot(), s.logs.Entries(), s.pushConnected, s.seq, s.opts.ArtifactBase)
}

func renderView(jobID string, snap model.JobSnapshot, logs []model.LogEntry, pushConnected bool, seq int64, artifactBase string) model.View {
	return model.View{
		JobID:         jobID,
		Snapshot:      snap,
		Logs:          logs,
		Stages:        stage.Derive(snap),
		Percent:       stage.DisplayPercent(snap),
		StatusLabel:   stage.Label(snap.Status),
		Active:        snap.Status.IsActive(),
		Terminal:      snap.Status.IsTerminal(),
		PushConnected: pushConnected,
		Artifacts:     model.ArtifactsFor(artifactBase, snap),
		Seq:           seq,
		UpdatedAt:     time.Now().UTC(),
	}
}

func sameLogs(a, b []model.LogEntry) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
