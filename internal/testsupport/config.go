package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"murmur/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It starts from the package defaults, redirects every path into the test's
// temp root, and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.InboxDir = filepath.Join(base, "inbox")
	cfg.Paths.DoneDir = filepath.Join(base, "done")
	cfg.Paths.PlaybackDir = filepath.Join(base, "playback")
	cfg.Paths.ProfilesDir = filepath.Join(base, "profiles")
	cfg.Paths.UnknownSpeakersDir = filepath.Join(base, "unknown")
	cfg.Paths.CuratorDir = filepath.Join(base, "curator")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.JobsFile = filepath.Join(base, "jobs.json")
	cfg.Paths.LockFile = filepath.Join(base, "murmurd.lock")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.AssemblyAI.APIKey = "test-key"
	cfg.AssemblyAI.BaseURL = "http://127.0.0.1:9"
	cfg.AssemblyAI.PollInterval = 1
	cfg.AssemblyAI.PollTimeout = 5
	cfg.AssemblyAI.MaxRetries = 1
	cfg.AssemblyAI.RetryBaseDelay = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	for _, dir := range []string{
		cfg.Paths.InboxDir,
		cfg.Paths.DoneDir,
		cfg.Paths.PlaybackDir,
		cfg.Paths.ProfilesDir,
		cfg.Paths.UnknownSpeakersDir,
		cfg.Paths.CuratorDir,
		cfg.Paths.LogDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	return &cfg
}

// WithQuietHours sets the publication quiet window on the test config.
func WithQuietHours(window string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Orchestrator.QuietHours = window
	}
}

// WithCommandsEnabled turns on command detection against the given gateway.
func WithCommandsEnabled(gatewayURL string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Commands.Enabled = true
		cfg.Commands.GatewayURL = gatewayURL
		cfg.Commands.GatewayToken = "test-token"
	}
}
