// Package orchestrator owns the job manifest and the clip lifecycle:
// it discovers inbox WAVs, derives job status from the transcripts the
// pipeline writes into done/, moves finished audio to the playback
// vault or deletes short clips, drives curator publication through the
// gated publisher, cleans up orphans and expired audio, and triggers
// conversation stitching after any change.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"murmur/internal/config"
	"murmur/internal/curator"
	"murmur/internal/fileutil"
	"murmur/internal/logging"
	"murmur/internal/stitch"
	"murmur/internal/transcript"
)

// cleanupInterval throttles the audio-retention sweep; the poll cycle
// itself runs every few seconds.
const cleanupInterval = time.Hour

// Orchestrator polls the pipeline directories and keeps the manifest,
// the audio files, and the curator workspace consistent.
type Orchestrator struct {
	inboxDir     string
	doneDir      string
	playbackDir  string
	jobsFile     string
	pollInterval time.Duration
	minPlayback  float64
	orphanAge    time.Duration
	retention    time.Duration
	publisher    *curator.Publisher
	stitcher     *stitch.Stitcher
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	jobs        map[string]*Job
	lastCleanup time.Time
}

// New builds an Orchestrator from configuration.
func New(cfg *config.Config, publisher *curator.Publisher, stitcher *stitch.Stitcher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		inboxDir:     cfg.Paths.InboxDir,
		doneDir:      cfg.Paths.DoneDir,
		playbackDir:  cfg.Paths.PlaybackDir,
		jobsFile:     cfg.Paths.JobsFile,
		pollInterval: time.Duration(cfg.Orchestrator.PollInterval) * time.Second,
		minPlayback:  cfg.Pipeline.MinPlaybackDuration,
		orphanAge:    time.Duration(cfg.Orchestrator.OrphanAgeHours) * time.Hour,
		retention:    time.Duration(cfg.Orchestrator.AudioRetentionDays) * 24 * time.Hour,
		publisher:    publisher,
		stitcher:     stitcher,
		logger:       logging.NewComponentLogger(logger, "orchestrator"),
		now:          time.Now,
		jobs:         make(map[string]*Job),
	}
}

// Run rebuilds the manifest, then polls until the context is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := fileutil.EnsureDir(o.playbackDir); err != nil {
		return err
	}
	if err := o.Rebuild(); err != nil {
		return err
	}
	if err := o.ScanOnce(); err != nil {
		o.logger.Error("initial scan failed", logging.Args(logging.Error(err))...)
	}
	o.logger.Info("watching",
		logging.Args(
			logging.Duration("poll_interval", o.pollInterval),
			logging.Int("jobs", o.jobCount()),
		)...)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.ScanOnce(); err != nil {
				o.logger.Error("scan failed", logging.Args(logging.Error(err))...)
			}
		}
	}
}

// RunOnce rebuilds and scans a single time.
func (o *Orchestrator) RunOnce() error {
	if err := fileutil.EnsureDir(o.playbackDir); err != nil {
		return err
	}
	if err := o.Rebuild(); err != nil {
		return err
	}
	return o.ScanOnce()
}

// Jobs returns a point-in-time copy of the manifest.
func (o *Orchestrator) Jobs() map[string]Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := make(map[string]Job, len(o.jobs))
	for stem, job := range o.jobs {
		snapshot[stem] = *job
	}
	return snapshot
}

func (o *Orchestrator) jobCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs)
}

// Rebuild reconstructs the manifest from filesystem state, merging
// with whatever manifest survived so entries for deleted clips remain
// historical. Startup crash recovery.
func (o *Orchestrator) Rebuild() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	jobs := loadManifest(o.jobsFile)
	existing := len(jobs)

	for _, stem := range o.doneStems() {
		tr, err := transcript.Load(o.doneDir, stem)
		if err != nil {
			continue
		}
		jobs[stem] = buildJob(stem, tr, jobs[stem], o.now())
	}
	for _, stem := range wavStems(o.inboxDir) {
		if _, ok := jobs[stem]; !ok {
			jobs[stem] = newQueuedJob(stem, o.now())
		}
	}
	for _, stem := range wavStems(o.playbackDir) {
		if job, ok := jobs[stem]; ok {
			setPlayback(job, o.playbackDir, stem)
		}
	}
	for stem, job := range jobs {
		if job.Status == StatusComplete {
			if _, err := os.Stat(transcript.MarkerPath(o.doneDir, stem)); err == nil {
				job.Status = StatusCuratorSynced
			}
		}
	}

	o.jobs = jobs
	o.logger.Info("manifest rebuilt",
		logging.Args(logging.Int("existing", existing), logging.Int("total", len(jobs)))...)
	return saveManifest(o.jobsFile, jobs)
}

// ScanOnce runs one orchestration cycle.
func (o *Orchestrator) ScanOnce() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	changed := false

	// New WAVs become queued entries.
	for _, stem := range wavStems(o.inboxDir) {
		if _, ok := o.jobs[stem]; !ok {
			o.jobs[stem] = newQueuedJob(stem, o.now())
			o.logger.Info("clip queued", logging.Args(logging.String(logging.FieldClip, stem))...)
			changed = true
		}
	}

	// Reconcile transcripts against job entries.
	for _, stem := range o.doneStems() {
		tr, err := transcript.Load(o.doneDir, stem)
		if err != nil {
			continue
		}
		if o.reconcile(stem, tr) {
			changed = true
		}
	}

	if o.cleanupOrphans() {
		changed = true
	}
	o.cleanupExpiredAudio()

	if changed {
		if err := saveManifest(o.jobsFile, o.jobs); err != nil {
			return err
		}
		if o.stitcher != nil {
			if result, err := o.stitcher.Run(false, false); err != nil {
				o.logger.Error("stitching failed", logging.Args(logging.Error(err))...)
			} else if result.DaysProcessed > 0 {
				o.logger.Info("conversations stitched",
					logging.Args(logging.Int("days", result.DaysProcessed))...)
			}
		}
	}
	return nil
}

// reconcile updates one job from its transcript and acts on the
// transition. Reports whether the entry changed.
func (o *Orchestrator) reconcile(stem string, tr *transcript.Transcript) bool {
	existing := o.jobs[stem]
	job := buildJob(stem, tr, existing, o.now())
	setPlayback(job, o.playbackDir, stem)

	var oldStatus JobStatus
	if existing != nil {
		oldStatus = existing.Status
	}

	// A previously synced clip stays synced while its marker is
	// current; a missing or stale marker (retry loop success, manual
	// label) re-gates it below.
	if oldStatus == StatusCuratorSynced && transcript.MarkerUpToDate(o.doneDir, stem) {
		job.Status = StatusCuratorSynced
		job.Stages.CuratorSynced = existing.Stages.CuratorSynced
	}

	// First transition out of the waiting states settles the audio
	// file: keep clips worth replaying, drop the rest.
	if !waiting(job.Status) && (existing == nil || waiting(oldStatus)) {
		o.settleAudio(stem, job, tr)
	}

	// Curator gate: the publisher applies the grace windows and
	// decides whether this transcript goes out now.
	if syncable(job.Status) {
		if transcript.MarkerUpToDate(o.doneDir, stem) {
			job.Status = StatusCuratorSynced
			if job.Stages.CuratorSynced == nil && existing != nil {
				job.Stages.CuratorSynced = existing.Stages.CuratorSynced
			}
		} else if o.publisher != nil {
			result, err := o.publisher.SyncOne(tr)
			switch {
			case err != nil:
				o.logger.Error("curator sync failed",
					logging.Args(logging.String(logging.FieldClip, stem), logging.Error(err))...)
			case result.Decision == curator.DecisionPublish:
				job.Status = StatusCuratorSynced
				rel := result.RelPath
				job.CuratorPath = &rel
				ts := o.now().UTC().Format(time.RFC3339)
				job.Stages.CuratorSynced = &ts
				o.logger.Info("published",
					logging.Args(
						logging.String(logging.FieldClip, stem),
						logging.String("curator_path", rel),
					)...)
			}
		}
	}

	if existing != nil && oldStatus != job.Status {
		o.logger.Info("status change",
			logging.Args(
				logging.String(logging.FieldClip, stem),
				logging.String("from", string(oldStatus)),
				logging.String("to", string(job.Status)),
			)...)
	}

	if existing != nil && reflect.DeepEqual(*existing, *job) {
		return false
	}
	o.jobs[stem] = job
	return true
}

// settleAudio moves a transcribed clip's WAV out of the inbox: into
// playback/ when long enough to keep, deleted otherwise.
func (o *Orchestrator) settleAudio(stem string, job *Job, tr *transcript.Transcript) {
	src := filepath.Join(o.inboxDir, stem+".wav")
	if _, err := os.Stat(src); err != nil {
		return
	}
	duration := tr.AudioDuration()
	if duration >= o.minPlayback {
		dest := playbackPath(o.playbackDir, stem)
		if err := fileutil.MoveFile(src, dest); err != nil {
			o.logger.Error("playback move failed",
				logging.Args(logging.String(logging.FieldClip, stem), logging.Error(err))...)
			return
		}
		name := stem + ".wav"
		job.PlaybackFile = &name
		o.logger.Info("moved to playback",
			logging.Args(
				logging.String(logging.FieldClip, stem),
				logging.Float64("duration", duration),
			)...)
		return
	}
	if err := os.Remove(src); err != nil {
		o.logger.Error("short clip delete failed",
			logging.Args(logging.String(logging.FieldClip, stem), logging.Error(err))...)
		return
	}
	o.logger.Info("deleted short clip",
		logging.Args(
			logging.String(logging.FieldClip, stem),
			logging.Float64("duration", duration),
		)...)
}

// cleanupOrphans deletes inbox WAVs that never produced a transcript
// within the orphan window and fails their jobs.
func (o *Orchestrator) cleanupOrphans() bool {
	changed := false
	cutoff := o.now().Add(-o.orphanAge)
	for _, stem := range wavStems(o.inboxDir) {
		if _, err := os.Stat(transcript.Path(o.doneDir, stem)); err == nil {
			continue
		}
		path := filepath.Join(o.inboxDir, stem+".wav")
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			o.logger.Warn("orphan delete failed",
				logging.Args(logging.String(logging.FieldClip, stem), logging.Error(err))...)
			continue
		}
		if job, ok := o.jobs[stem]; ok {
			job.Status = StatusFailed
			msg := "orphaned: no transcript after " + o.orphanAge.String()
			job.Error = &msg
		}
		o.logger.Warn("deleted orphan", logging.Args(logging.String(logging.FieldClip, stem))...)
		changed = true
	}
	return changed
}

// cleanupExpiredAudio prunes transcribed WAVs past the retention
// window from both the inbox and the playback vault, at most once per
// cleanupInterval.
func (o *Orchestrator) cleanupExpiredAudio() {
	if o.retention <= 0 {
		return
	}
	if o.now().Sub(o.lastCleanup) < cleanupInterval {
		return
	}
	o.lastCleanup = o.now()

	cutoff := o.now().Add(-o.retention)
	cleaned := 0
	for _, dir := range []string{o.inboxDir, o.playbackDir} {
		for _, stem := range wavStems(dir) {
			path := filepath.Join(dir, stem+".wav")
			info, err := os.Stat(path)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if _, err := os.Stat(transcript.Path(o.doneDir, stem)); err != nil {
				continue
			}
			if err := os.Remove(path); err != nil {
				o.logger.Warn("retention delete failed",
					logging.Args(logging.String(logging.FieldClip, stem), logging.Error(err))...)
				continue
			}
			_ = os.Remove(path + ".processed")
			cleaned++
		}
	}
	if cleaned > 0 {
		o.logger.Info("expired audio pruned", logging.Args(logging.Int("files", cleaned))...)
	}
}

// waiting reports statuses where the clip has not finished the
// transcription stage.
func waiting(status JobStatus) bool {
	return status == StatusQueued || status == StatusProcessing || status == ""
}

// syncable reports statuses the curator gate should evaluate. The
// publisher holds pending and failed identification until their grace
// windows expire.
func syncable(status JobStatus) bool {
	switch status {
	case StatusComplete, StatusPendingCurator, StatusSpeakerIDFailed:
		return true
	}
	return false
}

// doneStems lists transcript stems in done/, excluding dotfiles and
// error captures, sorted.
func (o *Orchestrator) doneStems() []string {
	entries, err := os.ReadDir(o.doneDir)
	if err != nil {
		return nil
	}
	var stems []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.Contains(name, ".error.") {
			continue
		}
		if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.synced") {
			continue
		}
		stems = append(stems, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(stems)
	return stems
}

// wavStems lists WAV stems in a directory, sorted.
func wavStems(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var stems []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".wav") {
			continue
		}
		stems = append(stems, strings.TrimSuffix(name, ".wav"))
	}
	sort.Strings(stems)
	return stems
}

func playbackPath(playbackDir, stem string) string {
	return filepath.Join(playbackDir, stem+".wav")
}
