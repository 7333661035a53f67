// Command jobwatch follows one dubbing job from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dublarpro/jobwatch/internal/client"
	"github.com/dublarpro/jobwatch/internal/config"
	"github.com/dublarpro/jobwatch/internal/logger"
	"github.com/dublarpro/jobwatch/internal/model"
	"github.com/dublarpro/jobwatch/internal/reconcile"
)

// config key -> flag name
var flagBindings = map[string]string{
	"backend.base_url":   "backend",
	"backend.ws_url":     "ws",
	"backend.token":      "token",
	"sync.poll_interval": "poll",
	"sync.log_tail":      "tail",
	"server.log_level":   "log-level",
}

// errJobUnsuccessful makes the exit status reflect a failed or cancelled job.
var errJobUnsuccessful = errors.New("job did not complete")

func main() {
	fs := pflag.NewFlagSet("jobwatch", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: jobwatch [flags] <jobId>\n\n")
		fs.PrintDefaults()
	}
	fs.String("backend", "", "backend base URL (BACKEND_BASE_URL)")
	fs.String("ws", "", "backend WebSocket base URL, derived from --backend when empty")
	fs.String("token", "", "bearer token for the backend (BACKEND_TOKEN)")
	fs.Duration("poll", 0, "poll interval (SYNC_POLL_INTERVAL)")
	fs.Int("tail", 0, "log lines fetched per poll (SYNC_LOG_TAIL)")
	fs.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	once := fs.Bool("once", false, "print the current state and exit")
	noPush := fs.Bool("no-push", false, "poll only, never open the push stream")
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	jobID := fs.Arg(0)

	cfg, err := config.LoadWithFlags(fs, flagBindings)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	appLog, err := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, jobID, *once, *noPush, os.Stdout, appLog)
	switch {
	case err == nil:
	case errors.Is(err, errJobUnsuccessful):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "jobwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, jobID string, once, noPush bool, out io.Writer, log *logger.Logger) error {
	api := client.NewBackendClient(cfg.Backend, log)
	opts := reconcile.OptionsFromConfig(cfg, log)
	p := newPrinter(out)

	if once {
		view, err := reconcile.FetchView(ctx, api, jobID, opts)
		if err != nil {
			return err
		}
		p.Print(view)
		return nil
	}

	var dialer reconcile.PushDialer
	if !noPush {
		dialer = reconcile.FromPushClient(client.NewPushClient(cfg.Backend.PushURL(), cfg.Backend.Token, cfg.Sync.PingInterval, log))
	}
	manager := reconcile.NewManager(api, dialer, opts)
	defer manager.Close()

	sub, err := manager.Subscribe(jobID)
	if err != nil {
		return err
	}
	return follow(ctx, sub.Updates(), p)
}

// follow prints views until the job settles, the context ends or updates stop.
func follow(ctx context.Context, updates <-chan model.View, p *printer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-updates:
			if !ok {
				return nil
			}
			p.Print(v)
			if v.Terminal {
				if v.Snapshot.Status != model.JobStatusCompleted {
					return errJobUnsuccessful
				}
				return nil
			}
		}
	}
}
