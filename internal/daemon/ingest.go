package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"murmur/internal/config"
	"murmur/internal/logging"
	"murmur/internal/transcript"
)

const ingestPollInterval = 5 * time.Second

type clipProcessor interface {
	Process(ctx context.Context, wavPath string) error
}

// inboxMonitor polls the inbox for freshly recorded clips and feeds
// them to the pipeline worker. A clip is dispatched once its size has
// held steady across two polls, so half-written files from the capture
// side are left alone. Each clip gets exactly one attempt; clips whose
// pipeline run fails leave no transcript and are reaped later by the
// orchestrator's orphan cleanup.
type inboxMonitor struct {
	inboxDir     string
	doneDir      string
	pollInterval time.Duration
	processor    clipProcessor
	logger       *slog.Logger

	mu        sync.Mutex
	running   bool
	inflight  map[string]struct{}
	attempted map[string]struct{}
	sizes     map[string]int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newInboxMonitor(cfg *config.Config, processor clipProcessor, logger *slog.Logger) *inboxMonitor {
	return &inboxMonitor{
		inboxDir:     cfg.Paths.InboxDir,
		doneDir:      cfg.Paths.DoneDir,
		pollInterval: ingestPollInterval,
		processor:    processor,
		logger:       logging.NewComponentLogger(logger, "ingest"),
		inflight:     make(map[string]struct{}),
		attempted:    make(map[string]struct{}),
		sizes:        make(map[string]int64),
	}
}

func (m *inboxMonitor) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("inbox monitor unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("inbox monitor already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.ctx = runCtx
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.loop()
	return nil
}

func (m *inboxMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *inboxMonitor) loop() {
	defer m.wg.Done()

	m.poll()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *inboxMonitor) poll() {
	ctx := m.ctx
	if ctx == nil {
		return
	}

	entries, err := os.ReadDir(m.inboxDir)
	if err != nil {
		m.logger.Warn("inbox scan failed", logging.Error(err))
		return
	}

	seen := make(map[string]struct{})
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.EqualFold(filepath.Ext(name), ".wav") {
			continue
		}
		seen[name] = struct{}{}
		m.consider(ctx, name)
	}
	m.forget(seen)
}

func (m *inboxMonitor) consider(ctx context.Context, name string) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	path := filepath.Join(m.inboxDir, name)

	m.mu.Lock()
	_, busy := m.inflight[name]
	_, done := m.attempted[name]
	m.mu.Unlock()
	if busy || done {
		return
	}

	// Clips restored from a previous run already carry a transcript.
	if _, err := os.Stat(transcript.Path(m.doneDir, stem)); err == nil {
		m.mu.Lock()
		m.attempted[name] = struct{}{}
		m.mu.Unlock()
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	m.mu.Lock()
	last, known := m.sizes[name]
	m.sizes[name] = info.Size()
	if !known || last != info.Size() {
		m.mu.Unlock()
		return
	}
	m.inflight[name] = struct{}{}
	m.attempted[name] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.process(ctx, name, path)
	}()
}

func (m *inboxMonitor) process(ctx context.Context, name, path string) {
	m.logger.Info("new clip detected", logging.String(logging.FieldClip, name))
	if err := m.processor.Process(ctx, path); err != nil {
		m.logger.Error("clip processing failed",
			logging.String(logging.FieldClip, name),
			logging.Error(err))
	}

	m.mu.Lock()
	delete(m.inflight, name)
	delete(m.sizes, name)
	m.mu.Unlock()
}

// forget drops state for clips no longer present in the inbox, so the
// maps stay bounded as the orchestrator archives or deletes audio.
func (m *inboxMonitor) forget(seen map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.attempted {
		if _, ok := seen[name]; ok {
			continue
		}
		if _, ok := m.inflight[name]; ok {
			continue
		}
		delete(m.attempted, name)
		delete(m.sizes, name)
	}
	for name := range m.sizes {
		if _, ok := seen[name]; !ok {
			delete(m.sizes, name)
		}
	}
}
