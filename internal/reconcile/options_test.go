package reconcile

import (
	"testing"
	"time"

	"github.com/dublarpro/jobwatch/internal/config"
)

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Backend: config.BackendConfig{BaseURL: "http://dub.test", APIPrefix: "/api"},
		Sync:    config.SyncConfig{PollInterval: time.Second, LogTail: 50, LogCapacity: 100},
	}

	opts := OptionsFromConfig(cfg, nil)
	if opts.ReconnectDelay >= 0 {
		t.Fatalf("reconnect delay = %v, want disabled for a zero config value", opts.ReconnectDelay)
	}
	if opts.ArtifactBase != "http://dub.test/api" {
		t.Fatalf("artifact base = %q", opts.ArtifactBase)
	}

	cfg.Sync.ReconnectDelay = 2 * time.Second
	if got := OptionsFromConfig(cfg, nil).withDefaults(); got.ReconnectDelay != 2*time.Second || got.LogTail != 50 || got.Logger == nil {
		t.Fatalf("options = %+v", got)
	}
}
