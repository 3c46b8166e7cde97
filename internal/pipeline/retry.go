package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"murmur/internal/config"
	"murmur/internal/embedding"
	"murmur/internal/identify"
	"murmur/internal/logging"
	"murmur/internal/services/assemblyai"
	"murmur/internal/transcript"
	"murmur/internal/unknown"
)

// MaxIdentificationRetries is the default cap on how often one
// transcript is re-run before it is parked as complete_no_speaker_id.
// speaker_id.max_retries overrides it.
const MaxIdentificationRetries = 10

// RetryLoop periodically re-runs speaker identification over done/
// transcripts that failed or never got it, and prunes stale unknown
// speaker clusters every few hours.
type RetryLoop struct {
	doneDir     string
	inboxDir    string
	playbackDir string

	interval   time.Duration
	warmup     time.Duration
	pruneEvery int
	maxRetries int

	identifier *identify.Identifier
	encoder    *embedding.Client
	tracker    *unknown.Tracker
	client     *assemblyai.Client
	stats      *Stats
	logger     *slog.Logger

	trigger chan bool
}

// NewRetryLoop builds the loop from config.
func NewRetryLoop(cfg *config.Config, identifier *identify.Identifier, encoder *embedding.Client, tracker *unknown.Tracker, client *assemblyai.Client, stats *Stats, logger *slog.Logger) *RetryLoop {
	pruneEvery := cfg.UnknownSpeakers.PruneEveryCycles
	if pruneEvery <= 0 {
		pruneEvery = 36
	}
	maxRetries := cfg.SpeakerID.MaxRetries
	if maxRetries <= 0 {
		maxRetries = MaxIdentificationRetries
	}
	return &RetryLoop{
		doneDir:     cfg.Paths.DoneDir,
		inboxDir:    cfg.Paths.InboxDir,
		playbackDir: cfg.Paths.PlaybackDir,
		interval:    time.Duration(cfg.SpeakerID.RetryInterval) * time.Second,
		warmup:      time.Duration(cfg.SpeakerID.RetryWarmup) * time.Second,
		pruneEvery:  pruneEvery,
		maxRetries:  maxRetries,
		identifier:  identifier,
		encoder:     encoder,
		tracker:     tracker,
		client:      client,
		stats:       stats,
		logger:      logging.NewComponentLogger(logger, "retry"),
		trigger:     make(chan bool, 1),
	}
}

// TriggerRetry requests an immediate retry cycle. With forceAll,
// complete transcripts that still carry unidentified speakers are
// re-processed too (used after a new enrollment).
func (r *RetryLoop) TriggerRetry(forceAll bool) {
	select {
	case r.trigger <- forceAll:
	default:
	}
}

// Run blocks until ctx is cancelled, cycling every interval after an
// initial warm-up delay.
func (r *RetryLoop) Run(ctx context.Context) {
	r.logger.Info("speaker identification retry loop started",
		logging.Duration("interval", r.interval))

	select {
	case <-ctx.Done():
		return
	case <-time.After(r.warmup):
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	cycle := 0
	for {
		forceAll := false
		select {
		case <-ctx.Done():
			return
		case forceAll = <-r.trigger:
		case <-ticker.C:
		}

		if n, err := r.RetryFailed(ctx, forceAll); err != nil {
			r.logger.Error("retry cycle failed", logging.Error(err))
		} else if n > 0 {
			r.logger.Info("identification retry cycle done", logging.Int("retried", n))
		}

		cycle++
		if cycle%r.pruneEvery == 0 {
			if _, err := r.tracker.Prune(); err != nil {
				r.logger.Error("unknown speaker pruning failed", logging.Error(err))
			}
		}
	}
}

// RetryFailed scans done/ for transcripts needing another
// identification pass and re-runs them. Returns how many were
// re-processed.
func (r *RetryLoop) RetryFailed(ctx context.Context, forceAll bool) (int, error) {
	// Skip the whole scan while the encoder cannot load.
	if err := r.encoder.EnsureReady(ctx); err != nil {
		return 0, nil
	}

	activeFiles := make(map[string]bool)
	for _, job := range r.client.ListActive() {
		activeFiles[job.File] = true
	}

	entries, err := os.ReadDir(r.doneDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	retried := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}
		path := filepath.Join(r.doneDir, name)
		tr, err := transcript.LoadPath(path)
		if err != nil {
			continue
		}
		if activeFiles[tr.File] {
			continue
		}
		if !r.needsRetry(tr, forceAll) {
			continue
		}

		if tr.SpeakerIDRetryCount >= r.maxRetries {
			if tr.PipelineStatus != transcript.StatusCompleteNoSpeakers {
				r.logger.Warn("giving up on identification",
					logging.String(logging.FieldClip, tr.File),
					logging.Int("retries", tr.SpeakerIDRetryCount))
				tr.PipelineStatus = transcript.StatusCompleteNoSpeakers
				tr.SpeakerIDError = "max_retries_exceeded"
				if err := transcript.Save(r.doneDir, tr); err != nil {
					r.logger.Error("failed to park transcript", logging.Error(err))
				}
			}
			continue
		}

		audioPath, ok := r.findAudio(tr.File)
		if !ok {
			continue
		}

		r.logger.Info("retrying speaker identification",
			logging.String(logging.FieldClip, tr.File),
			logging.String(logging.FieldStatus, string(tr.PipelineStatus)),
			logging.Int("attempt", tr.SpeakerIDRetryCount+1),
		)
		tr.SpeakerIDRetryCount++
		if err := r.identifier.IdentifyAll(ctx, audioPath, tr); err != nil {
			r.logger.Error("identification retry failed",
				logging.String(logging.FieldClip, tr.File),
				logging.Error(err))
			continue
		}
		if tr.PipelineStatus == transcript.StatusTranscribed {
			tr.PipelineStatus = transcript.StatusComplete
		}
		if err := transcript.Save(r.doneDir, tr); err != nil {
			r.logger.Error("failed to save retried transcript",
				logging.String(logging.FieldClip, tr.File),
				logging.Error(err))
			continue
		}
		// Force a curator re-sync with the refreshed speaker names.
		if err := transcript.RemoveMarker(r.doneDir, tr.Stem()); err != nil {
			r.logger.Warn("failed to clear sync marker", logging.Error(err))
		}
		retried++
	}

	if retried > 0 {
		r.stats.addRetried(retried)
	}
	return retried, nil
}

func (r *RetryLoop) needsRetry(tr *transcript.Transcript, forceAll bool) bool {
	if tr.PipelineStatus.NeedsIdentificationRetry() {
		return true
	}
	if forceAll && tr.PipelineStatus == transcript.StatusComplete && tr.HasUnidentified() {
		return true
	}
	return false
}

// findAudio looks for the clip in the inbox first, then the playback
// archive it may have been moved to.
func (r *RetryLoop) findAudio(filename string) (string, bool) {
	if filename == "" {
		return "", false
	}
	for _, dir := range []string{r.inboxDir, r.playbackDir} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, filename)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}
