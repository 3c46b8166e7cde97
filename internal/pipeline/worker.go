// Package pipeline runs the per-clip stage machine (duration gate,
// cloud transcription, speaker identification, persistence) and the
// background retry loop for failed identification.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"murmur/internal/config"
	"murmur/internal/identify"
	"murmur/internal/logging"
	"murmur/internal/services/assemblyai"
	"murmur/internal/transcript"
	"murmur/internal/wavio"
)

// PostHook observes a finished transcript's segments, used to feed the
// voice-command dispatcher.
type PostHook func(ctx context.Context, segments []transcript.Segment, wavPath string)

// Worker processes one inbox clip end to end.
type Worker struct {
	doneDir              string
	minTranscribeSeconds float64

	client     *assemblyai.Client
	ledger     *assemblyai.CostLedger
	identifier *identify.Identifier
	stats      *Stats
	postHook   PostHook
	logger     *slog.Logger
}

// NewWorker wires the pipeline stages together. postHook may be nil.
func NewWorker(cfg *config.Config, client *assemblyai.Client, ledger *assemblyai.CostLedger, identifier *identify.Identifier, stats *Stats, postHook PostHook, logger *slog.Logger) *Worker {
	return &Worker{
		doneDir:              cfg.Paths.DoneDir,
		minTranscribeSeconds: cfg.Pipeline.MinTranscribeSeconds,
		client:               client,
		ledger:               ledger,
		identifier:           identifier,
		stats:                stats,
		postHook:             postHook,
		logger:               logging.NewComponentLogger(logger, "pipeline"),
	}
}

// Process transcribes and identifies one clip, writing the finished
// transcript next to the cost ledger in the done directory.
func (w *Worker) Process(ctx context.Context, wavPath string) error {
	filename := filepath.Base(wavPath)

	info, err := wavio.Probe(wavPath)
	if err != nil {
		w.stats.addFailed()
		return fmt.Errorf("probe %s: %w", filename, err)
	}
	duration := info.Duration()

	if duration < w.minTranscribeSeconds {
		return w.skipShort(ctx, wavPath, filename, duration)
	}

	w.stats.addSubmitted()
	defer w.stats.settle()

	resp, err := w.client.Transcribe(ctx, wavPath)
	if err != nil {
		w.stats.addFailed()
		return fmt.Errorf("transcribe %s: %w", filename, err)
	}
	tr := assemblyai.Normalize(resp, filename)

	if err := w.identifier.IdentifyAll(ctx, wavPath, tr); err != nil {
		w.logger.Error("speaker identification failed",
			logging.String(logging.FieldClip, filename),
			logging.Error(err))
		tr.PipelineStatus = transcript.StatusSpeakerIDFailed
		tr.SpeakerIDError = err.Error()
	}
	if tr.PipelineStatus == transcript.StatusTranscribed {
		tr.PipelineStatus = transcript.StatusComplete
	}

	if err := transcript.Save(w.doneDir, tr); err != nil {
		w.stats.addFailed()
		return fmt.Errorf("save transcript %s: %w", filename, err)
	}

	if w.postHook != nil && len(tr.Segments) > 0 {
		w.postHook(ctx, tr.Segments, wavPath)
	}

	if tr.AssemblyAI != nil {
		w.ledger.Add(tr.AssemblyAI.AudioDuration, tr.AssemblyAI.CostUSD)
	}
	w.stats.addCompleted()
	w.logger.Info("pipeline complete",
		logging.String(logging.FieldClip, filename),
		logging.String(logging.FieldStatus, string(tr.PipelineStatus)),
		logging.Float64("duration", duration),
	)
	return nil
}

// skipShort records a minimal transcript for clips under the
// transcription floor. Clips of at least one second still get a
// best-effort identification pass so unknown-speaker clustering sees
// them; its outcome is discarded.
func (w *Worker) skipShort(ctx context.Context, wavPath, filename string, duration float64) error {
	w.logger.Info("skipping transcription, clip too short",
		logging.String(logging.FieldClip, filename),
		logging.Float64("duration", duration),
		logging.Float64("minimum", w.minTranscribeSeconds),
	)
	w.stats.addSkippedShort()

	tr := &transcript.Transcript{
		File:           filename,
		Timestamp:      transcript.NowISO(),
		PipelineStatus: transcript.StatusSkippedTooShort,
		Duration:       math.Round(duration*100) / 100,
		Segments:       []transcript.Segment{},
	}
	if err := transcript.Save(w.doneDir, tr); err != nil {
		return fmt.Errorf("save skip transcript %s: %w", filename, err)
	}

	if duration >= 1.0 && w.identifier.Enabled() {
		scratch := *tr
		if err := w.identifier.IdentifyAll(ctx, wavPath, &scratch); err != nil {
			w.logger.Debug("best-effort identification failed",
				logging.String(logging.FieldClip, filename),
				logging.Error(err))
		}
	}
	return nil
}
