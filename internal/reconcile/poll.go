package reconcile

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dublarpro/jobwatch/internal/model"
)

// JobSource is the polling side of the backend.
type JobSource interface {
	GetJob(ctx context.Context, jobID string) (model.JobUpdate, error)
	GetLogs(ctx context.Context, jobID string, lastN int) ([]model.LogEntry, error)
}

// PollResult is the outcome of one poll tick. The two requests fail
// independently; a nil error means the matching field is valid.
type PollResult struct {
	Job    model.JobUpdate
	JobErr error

	Logs    []model.LogEntry
	LogsErr error

	epoch uint64
}

// PollChannel fetches a job and its log tail.
type PollChannel struct {
	src     JobSource
	jobID   string
	logTail int
}

// NewPollChannel creates a poll channel for jobID fetching logTail log lines per tick.
func NewPollChannel(src JobSource, jobID string, logTail int) *PollChannel {
	if logTail <= 0 {
		logTail = DefaultLogTail
	}
	return &PollChannel{src: src, jobID: jobID, logTail: logTail}
}

// Tick issues both requests concurrently and waits for both. It never fails as
// a whole; errors are reported in the result.
func (p *PollChannel) Tick(ctx context.Context) PollResult {
	var res PollResult
	var g errgroup.Group
	g.Go(func() error {
		res.Job, res.JobErr = p.src.GetJob(ctx, p.jobID)
		return nil
	})
	g.Go(func() error {
		res.Logs, res.LogsErr = p.src.GetLogs(ctx, p.jobID, p.logTail)
		return nil
	})
	_ = g.Wait()
	return res
}
