// Package daemon ties the long-running services together: the inbox
// monitor feeding the transcription pipeline, the identification retry
// loop, the orchestrator scan cycle, and the HTTP API. A flock-held
// lock file enforces single-instance execution.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"murmur/internal/commands"
	"murmur/internal/config"
	"murmur/internal/embedding"
	"murmur/internal/fileutil"
	"murmur/internal/identify"
	"murmur/internal/logging"
	"murmur/internal/orchestrator"
	"murmur/internal/pipeline"
	"murmur/internal/profiles"
	"murmur/internal/services/assemblyai"
)

// Deps are the services the daemon supervises. Dispatcher may be nil
// when voice commands are disabled.
type Deps struct {
	Worker       *pipeline.Worker
	Retry        *pipeline.RetryLoop
	Orchestrator *orchestrator.Orchestrator
	Identifier   *identify.Identifier
	Encoder      *embedding.Client
	Profiles     *profiles.Store
	Stats        *pipeline.Stats
	Ledger       *assemblyai.CostLedger
	Client       *assemblyai.Client
	Dispatcher   *commands.Dispatcher
}

func (d Deps) validate() error {
	switch {
	case d.Worker == nil:
		return errors.New("daemon requires a pipeline worker")
	case d.Retry == nil:
		return errors.New("daemon requires a retry loop")
	case d.Orchestrator == nil:
		return errors.New("daemon requires an orchestrator")
	case d.Identifier == nil:
		return errors.New("daemon requires a speaker identifier")
	case d.Encoder == nil:
		return errors.New("daemon requires an embedding client")
	case d.Profiles == nil:
		return errors.New("daemon requires a profile store")
	case d.Stats == nil:
		return errors.New("daemon requires pipeline stats")
	case d.Ledger == nil:
		return errors.New("daemon requires a cost ledger")
	case d.Client == nil:
		return errors.New("daemon requires a transcription client")
	}
	return nil
}

// Daemon coordinates the background services and enforces
// single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   Deps

	ingest *inboxMonitor
	api    *apiServer

	lockPath string
	lock     *flock.Flock

	startedAt time.Time
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Status reports daemon runtime information.
type Status struct {
	Running          bool
	UptimeSeconds    float64
	QuietHoursActive bool
	LockFilePath     string
	JobCount         int
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		deps:     deps,
		lockPath: cfg.Paths.LockFile,
		lock:     flock.New(cfg.Paths.LockFile),
	}
	d.ingest = newInboxMonitor(cfg, deps.Worker, logger)
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and launches the background services.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := fileutil.EnsureDir(filepath.Dir(d.lockPath)); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another murmur daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.startedAt = time.Now()

	if err := d.ingest.Start(d.ctx); err != nil {
		d.teardown()
		return fmt.Errorf("start inbox monitor: %w", err)
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.deps.Orchestrator.Run(d.ctx); err != nil {
			d.logger.Error("orchestrator stopped", logging.Error(err))
		}
	}()
	go func() {
		defer d.wg.Done()
		d.deps.Retry.Run(d.ctx)
	}()

	if err := d.api.start(d.ctx); err != nil {
		d.ingest.Stop()
		d.cancel()
		d.wg.Wait()
		d.teardown()
		return err
	}

	d.running.Store(true)
	d.logger.Info("murmur daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
	}
	d.ingest.Stop()
	d.api.stop()
	d.wg.Wait()
	d.teardown()
	d.running.Store(false)
	d.logger.Info("murmur daemon stopped")
}

func (d *Daemon) teardown() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.cancel = nil
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	uptime := 0.0
	if !d.startedAt.IsZero() {
		uptime = time.Since(d.startedAt).Seconds()
	}
	return Status{
		Running:          d.running.Load(),
		UptimeSeconds:    round1(uptime),
		QuietHoursActive: d.cfg.QuietHoursActive(time.Now().Hour()),
		LockFilePath:     d.lockPath,
		JobCount:         len(d.deps.Orchestrator.Jobs()),
	}
}

func round1(value float64) float64 {
	return math.Round(value*10) / 10
}
