// Package archive keeps the final view of every settled job in object storage.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/dublarpro/jobwatch/internal/config"
	"github.com/dublarpro/jobwatch/internal/logger"
	"github.com/dublarpro/jobwatch/internal/model"
)

// ErrNotArchived is returned by URL for jobs without an archived view.
var ErrNotArchived = errors.New("archive: job not archived")

const (
	queueSize   = 64
	saveTimeout = 30 * time.Second
)

// ObjectStore is the slice of an S3-compatible bucket the archiver needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Record is the archived document.
type Record struct {
	View       model.View `json:"view"`
	ArchivedAt time.Time  `json:"archivedAt"`
}

// Archiver uploads settled views in the background.
type Archiver struct {
	store  ObjectStore
	prefix string
	expiry time.Duration
	queue  chan model.View
	log    *logger.Logger
	now    func() time.Time
}

func New(store ObjectStore, cfg config.ArchiveConfig, log *logger.Logger) *Archiver {
	if log == nil {
		log = logger.Nop()
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &Archiver{
		store:  store,
		prefix: cfg.Prefix,
		expiry: expiry,
		queue:  make(chan model.View, queueSize),
		log:    log.Component("archive"),
		now:    time.Now,
	}
}

// Enqueue schedules v for upload without blocking. Views are dropped while
// the queue is full.
func (a *Archiver) Enqueue(v model.View) {
	select {
	case a.queue <- v:
	default:
		a.log.Warn("archive queue full, dropping view", "jobId", v.JobID)
	}
}

// Run uploads queued views until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-a.queue:
			saveCtx, cancel := context.WithTimeout(ctx, saveTimeout)
			if err := a.Save(saveCtx, v); err != nil {
				a.log.Error("failed to archive job", "jobId", v.JobID, "error", err)
			}
			cancel()
		}
	}
}

// Save uploads v, replacing any earlier archive of the same job.
func (a *Archiver) Save(ctx context.Context, v model.View) error {
	data, err := json.Marshal(Record{View: v, ArchivedAt: a.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}
	key := Key(a.prefix, v.JobID)
	if err := a.store.Put(ctx, key, data, "application/json"); err != nil {
		return err
	}
	a.log.Info("job archived", "jobId", v.JobID, "status", v.Snapshot.Status, "key", key)
	return nil
}

// URL returns a time-limited download link for the job's archive.
func (a *Archiver) URL(ctx context.Context, jobID string) (string, time.Duration, error) {
	key := Key(a.prefix, jobID)
	ok, err := a.store.Exists(ctx, key)
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return "", 0, ErrNotArchived
	}
	url, err := a.store.SignedURL(ctx, key, a.expiry)
	if err != nil {
		return "", 0, err
	}
	return url, a.expiry, nil
}

// Key is the object key of a job's archive.
func Key(prefix, jobID string) string {
	return path.Join(prefix, "jobs", jobID, "final.json")
}
