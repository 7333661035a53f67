package reconcile

import (
	"context"
	"time"

	"github.com/dublarpro/jobwatch/internal/client"
	"github.com/dublarpro/jobwatch/internal/config"
	"github.com/dublarpro/jobwatch/internal/logbuf"
	"github.com/dublarpro/jobwatch/internal/logger"
	"github.com/dublarpro/jobwatch/internal/model"
)

const (
	DefaultPollInterval   = 3 * time.Second
	DefaultLogTail        = 200
	DefaultReconnectDelay = 5 * time.Second
)

// Options tune a subscription. Zero values take the defaults above, except
// ReconnectDelay where a negative value disables reconnection.
type Options struct {
	PollInterval   time.Duration
	LogTail        int
	LogCapacity    int
	ReconnectDelay time.Duration
	// ArtifactBase is the backend REST root used for download links of
	// completed jobs. Empty leaves them out.
	ArtifactBase string
	Logger       *logger.Logger
}

// OptionsFromConfig maps the sync and backend sections of the config. A zero
// reconnect delay in config means "never reconnect".
func OptionsFromConfig(cfg *config.Config, log *logger.Logger) Options {
	delay := cfg.Sync.ReconnectDelay
	if delay == 0 {
		delay = -1
	}
	return Options{
		PollInterval:   cfg.Sync.PollInterval,
		LogTail:        cfg.Sync.LogTail,
		LogCapacity:    cfg.Sync.LogCapacity,
		ReconnectDelay: delay,
		ArtifactBase:   cfg.Backend.APIURL(),
		Logger:         log,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.LogTail <= 0 {
		o.LogTail = DefaultLogTail
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = logbuf.DefaultCapacity
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// PushConn is one open push stream.
type PushConn interface {
	Events() <-chan model.PushEvent
	Close() error
}

// PushDialer opens push streams. A nil PushDialer disables the push channel.
type PushDialer interface {
	Dial(ctx context.Context, jobID string) (PushConn, error)
}

type pushClientDialer struct {
	c *client.PushClient
}

// FromPushClient adapts a client.PushClient to PushDialer.
func FromPushClient(c *client.PushClient) PushDialer {
	return pushClientDialer{c: c}
}

func (d pushClientDialer) Dial(ctx context.Context, jobID string) (PushConn, error) {
	s, err := d.c.Dial(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s, nil
}
