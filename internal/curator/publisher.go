package curator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"murmur/internal/config"
	"murmur/internal/fileutil"
	"murmur/internal/logging"
	"murmur/internal/transcript"
)

// PendingDirName holds curator files withdrawn from the active tree
// because their speakers are still unidentified.
const PendingDirName = "_pending"

// Decision is the outcome of evaluating a transcript against the
// publication gates.
type Decision int

const (
	// DecisionPublish means the transcript is ready for the curator.
	DecisionPublish Decision = iota
	// DecisionMarkOnly means there is nothing worth publishing; the
	// synced marker is written so the transcript is not revisited.
	DecisionMarkOnly
	// DecisionHold means the transcript is not ready yet and should be
	// re-evaluated on a later cycle.
	DecisionHold
)

func (d Decision) String() string {
	switch d {
	case DecisionPublish:
		return "publish"
	case DecisionMarkOnly:
		return "mark_only"
	case DecisionHold:
		return "hold"
	}
	return "unknown"
}

// Result reports what SyncOne did with a transcript.
type Result struct {
	Decision Decision
	Reason   string
	// RelPath is the published path relative to the curator root, set
	// only for DecisionPublish.
	RelPath string
}

// Publisher writes curator documents for ready transcripts and keeps
// the synced markers in done/ consistent with the curator tree.
type Publisher struct {
	curatorDir string
	doneDir    string
	maxWait    time.Duration
	grace      time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewPublisher builds a Publisher from configuration.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	return &Publisher{
		curatorDir: cfg.Paths.CuratorDir,
		doneDir:    cfg.Paths.DoneDir,
		maxWait:    time.Duration(cfg.SpeakerID.MaxWaitHours) * time.Hour,
		grace:      time.Duration(cfg.Orchestrator.UnidentifiedGraceHours) * time.Hour,
		logger:     logging.NewComponentLogger(logger, "curator"),
		now:        time.Now,
	}
}

// Evaluate applies the publication gates to a transcript without
// touching the filesystem beyond reading the source file's mtime.
func (p *Publisher) Evaluate(tr *transcript.Transcript) (Decision, string) {
	if len(tr.Segments) == 0 {
		return DecisionMarkOnly, "no segments"
	}

	switch tr.PipelineStatus {
	case transcript.StatusSkippedTooShort:
		return DecisionMarkOnly, "clip too short"
	case transcript.StatusTranscribed:
		// Identification has not run yet; the retry loop owns it.
		return DecisionHold, "awaiting speaker identification"
	case transcript.StatusSpeakerIDFailed:
		// Block until the retry loop recovers the encoder, but sync
		// anyway after the safety-valve window so transcripts never
		// accumulate forever.
		age := p.transcriptAge(tr)
		if age < p.maxWait {
			return DecisionHold, "awaiting identification retry"
		}
		p.logger.Warn("identification wait exceeded, publishing without names",
			logging.Args(
				logging.String("file", tr.File),
				logging.Duration("age", age.Round(time.Minute)),
			)...)
	case transcript.StatusComplete:
		// A transcript where every voice is unknown gets a grace
		// window for enrollment plus re-identification to fill in
		// names before it is published with bare labels.
		if p.grace > 0 && tr.HasUnidentified() && tr.SpeakerID != nil && len(tr.SpeakerID.Identified) == 0 {
			if ts, err := tr.ParseTimestamp(); err == nil {
				if age := p.now().Sub(ts); age < p.grace {
					return DecisionHold, "all speakers unidentified, within grace window"
				}
			}
		}
	}

	if !hasText(tr) {
		return DecisionMarkOnly, "empty transcript"
	}
	return DecisionPublish, ""
}

// SyncOne evaluates one transcript and publishes it if ready. Markers
// are written for both published and mark-only outcomes.
func (p *Publisher) SyncOne(tr *transcript.Transcript) (*Result, error) {
	decision, reason := p.Evaluate(tr)
	switch decision {
	case DecisionMarkOnly:
		if err := transcript.WriteMarker(p.doneDir, tr.Stem()); err != nil {
			return nil, err
		}
		p.logger.Debug("transcript skipped",
			logging.Args(logging.String("file", tr.File), logging.String("reason", reason))...)
		return &Result{Decision: decision, Reason: reason}, nil
	case DecisionHold:
		return &Result{Decision: decision, Reason: reason}, nil
	}

	doc, ts := Convert(tr, p.now())
	relPath, err := p.write(doc, ts)
	if err != nil {
		return nil, err
	}
	if err := transcript.WriteMarker(p.doneDir, tr.Stem()); err != nil {
		return nil, err
	}
	p.logger.Info("transcript published",
		logging.Args(
			logging.String("file", tr.File),
			logging.String("curator_path", relPath),
			logging.Int("speakers", doc.NumSpeakers),
		)...)
	return &Result{Decision: DecisionPublish, RelPath: relPath}, nil
}

// SyncAll walks done/ and syncs every transcript whose marker is
// missing or stale. Returns the number published.
func (p *Publisher) SyncAll() (int, error) {
	entries, err := os.ReadDir(p.doneDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read done dir: %w", err)
	}

	published := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		stem := strings.TrimSuffix(name, ".json")
		if transcript.MarkerUpToDate(p.doneDir, stem) {
			continue
		}
		tr, err := transcript.Load(p.doneDir, stem)
		if err != nil {
			p.logger.Warn("unreadable transcript",
				logging.Args(logging.String("file", name), logging.Error(err))...)
			continue
		}
		result, err := p.SyncOne(tr)
		if err != nil {
			p.logger.Error("sync failed",
				logging.Args(logging.String("file", name), logging.Error(err))...)
			continue
		}
		if result.Decision == DecisionPublish {
			published++
		}
	}
	return published, nil
}

// write resolves the output path and writes the document. On re-sync
// after a retry or manual label it overwrites the existing curator
// file for the same audio clip, or promotes one back out of _pending/;
// a timestamp collision between distinct clips appends a counter.
func (p *Publisher) write(doc *Document, ts time.Time) (string, error) {
	dateDir := filepath.Join(p.curatorDir, ts.Format("2006/01/02"))
	if err := fileutil.EnsureDir(dateDir); err != nil {
		return "", err
	}

	prefix := ts.Format("15-04-05")
	suffix := ""
	if doc.Diarization {
		suffix = "-diarized"
	}
	outFile := filepath.Join(dateDir, prefix+suffix+".json")

	existing := findByAudioPath(dateDir, prefix, doc.AudioPath)
	if existing == "" {
		pendingDateDir := filepath.Join(p.curatorDir, PendingDirName, ts.Format("2006/01/02"))
		if pending := findByAudioPath(pendingDateDir, prefix, doc.AudioPath); pending != "" {
			if err := os.Remove(pending); err != nil {
				return "", fmt.Errorf("promote pending file: %w", err)
			}
			existing = filepath.Join(dateDir, filepath.Base(pending))
			p.logger.Info("promoted from pending",
				logging.Args(logging.String("file", filepath.Base(pending)))...)
		}
	}

	if existing != "" {
		outFile = existing
	} else if _, err := os.Stat(outFile); err == nil {
		for counter := 1; ; counter++ {
			candidate := filepath.Join(dateDir, fmt.Sprintf("%s%s-%d.json", prefix, suffix, counter))
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				outFile = candidate
				break
			}
		}
	}

	if err := fileutil.WriteJSONAtomic(outFile, doc); err != nil {
		return "", fmt.Errorf("write curator file: %w", err)
	}
	rel, err := filepath.Rel(p.curatorDir, outFile)
	if err != nil {
		return filepath.Base(outFile), nil
	}
	return rel, nil
}

// transcriptAge reports how long ago the transcript file was last
// written, or zero when it cannot be statted.
func (p *Publisher) transcriptAge(tr *transcript.Transcript) time.Duration {
	info, err := os.Stat(transcript.Path(p.doneDir, tr.Stem()))
	if err != nil {
		return 0
	}
	return p.now().Sub(info.ModTime())
}

// audioPathProbe reads only the audioPath field of a curator file.
type audioPathProbe struct {
	AudioPath string `json:"audioPath"`
}

// findByAudioPath scans a date directory for a curator file referencing
// the given audio clip. Returns "" when none matches.
func findByAudioPath(dateDir, prefix, audioPath string) string {
	if audioPath == "" {
		return ""
	}
	matches, err := filepath.Glob(filepath.Join(dateDir, prefix+"*.json"))
	if err != nil {
		return ""
	}
	for _, match := range matches {
		if filepath.Base(match) == "conversations.json" {
			continue
		}
		var probe audioPathProbe
		if err := fileutil.ReadJSON(match, &probe); err != nil {
			continue
		}
		if probe.AudioPath == audioPath {
			return match
		}
	}
	return ""
}

func hasText(tr *transcript.Transcript) bool {
	for _, seg := range tr.Segments {
		if strings.TrimSpace(seg.Text) != "" {
			return true
		}
	}
	return false
}
