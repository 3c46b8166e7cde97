// Package transcript defines the persisted transcript model and its
// pipeline status machine.
//
// Transcript JSON files in done/ are the authoritative pipeline state:
// the worker writes them, the retry loop rewrites them, and the
// orchestrator derives job status from them. All writes are atomic
// (temp in directory + rename) so external readers never observe a
// partial file.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"murmur/internal/fileutil"
)

// PipelineStatus tracks a transcript through the worker state machine.
type PipelineStatus string

const (
	StatusSkippedTooShort    PipelineStatus = "skipped_too_short"
	StatusTranscribed        PipelineStatus = "transcribed"
	StatusSpeakerIDFailed    PipelineStatus = "speaker_id_failed"
	StatusCompleteNoSpeakers PipelineStatus = "complete_no_speaker_id"
	StatusComplete           PipelineStatus = "complete"
	// StatusLegacy is assumed for transcripts written before status
	// tracking existed.
	StatusLegacy PipelineStatus = "legacy"
)

// NeedsIdentificationRetry reports whether the retry loop should
// re-run identification for this status.
func (s PipelineStatus) NeedsIdentificationRetry() bool {
	return s == StatusSpeakerIDFailed || s == StatusTranscribed
}

// Terminal reports whether the status can advance no further.
func (s PipelineStatus) Terminal() bool {
	return s == StatusSkippedTooShort || s == StatusComplete || s == StatusCompleteNoSpeakers
}

// Word is a word-level timing record within a segment.
type Word struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker,omitempty"`
}

// Segment is one diarized utterance.
type Segment struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"text"`
	Speaker     string  `json:"speaker,omitempty"`
	SpeakerName string  `json:"speaker_name,omitempty"`
	Confidence  float64 `json:"confidence"`
	Words       []Word  `json:"words"`
}

// Match records how a diarized label resolved to a profile.
type Match struct {
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
	Method   string  `json:"method"`
}

// Identification is the speaker_identification block.
type Identification struct {
	Identified      map[string]Match `json:"identified"`
	Unidentified    []string         `json:"unidentified"`
	ProfilesChecked int              `json:"profiles_checked"`
	Timestamp       string           `json:"timestamp"`
}

// ServiceMeta preserves the transcription service's response metadata.
type ServiceMeta struct {
	TranscriptID  string  `json:"transcript_id"`
	Status        string  `json:"status,omitempty"`
	AudioDuration float64 `json:"audio_duration"`
	Confidence    float64 `json:"confidence"`
	CostUSD       float64 `json:"cost_usd"`
	LanguageCode  string  `json:"language_code"`
}

// Transcript is the persisted record for one clip.
type Transcript struct {
	File                string          `json:"file"`
	Language            string          `json:"language,omitempty"`
	Segments            []Segment       `json:"segments"`
	Diarization         bool            `json:"diarization,omitempty"`
	Model               string          `json:"model,omitempty"`
	NumSpeakers         int             `json:"num_speakers,omitempty"`
	Timestamp           string          `json:"timestamp"`
	PipelineStatus      PipelineStatus  `json:"pipeline_status"`
	Duration            float64         `json:"duration,omitempty"`
	AssemblyAI          *ServiceMeta    `json:"assemblyai,omitempty"`
	SpeakerID           *Identification `json:"speaker_identification,omitempty"`
	SpeakerIDRetryCount int             `json:"speaker_id_retry_count,omitempty"`
	SpeakerIDError      string          `json:"speaker_id_error,omitempty"`
	ConversationID      string          `json:"conversationId,omitempty"`
}

// Stem returns the clip stem (audio filename without extension).
func (t *Transcript) Stem() string {
	return strings.TrimSuffix(t.File, filepath.Ext(t.File))
}

// AudioDuration returns the best-known clip duration in seconds:
// the service-reported duration, the recorded duration for skipped
// clips, or the maximum segment end.
func (t *Transcript) AudioDuration() float64 {
	if t.AssemblyAI != nil && t.AssemblyAI.AudioDuration > 0 {
		return t.AssemblyAI.AudioDuration
	}
	if t.Duration > 0 {
		return t.Duration
	}
	var max float64
	for _, seg := range t.Segments {
		if seg.End > max {
			max = seg.End
		}
	}
	return max
}

// HasUnidentified reports whether identification ran and left any
// diarized label unresolved.
func (t *Transcript) HasUnidentified() bool {
	return t.SpeakerID != nil && len(t.SpeakerID.Unidentified) > 0
}

// FullyIdentified reports whether identification ran and every label
// resolved to a profile.
func (t *Transcript) FullyIdentified() bool {
	return t.SpeakerID != nil && len(t.SpeakerID.Unidentified) == 0
}

// SortSegments orders segments and their words by start time.
func (t *Transcript) SortSegments() {
	sort.SliceStable(t.Segments, func(i, j int) bool {
		return t.Segments[i].Start < t.Segments[j].Start
	})
	for i := range t.Segments {
		words := t.Segments[i].Words
		sort.SliceStable(words, func(a, b int) bool { return words[a].Start < words[b].Start })
	}
}

// ParseTimestamp parses the transcript timestamp, tolerating a stray
// trailing Z after an explicit offset (a historical writer bug).
func (t *Transcript) ParseTimestamp() (time.Time, error) {
	return ParseTimestamp(t.Timestamp)
}

// ParseTimestamp parses an ISO-8601 timestamp, tolerating a trailing Z
// after a timezone offset.
func ParseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	// "2024-01-01T12:00:00+00:00Z": offset followed by a stray Z.
	if len(trimmed) > 7 && strings.HasSuffix(trimmed, "Z") {
		if c := trimmed[len(trimmed)-7]; c == '+' || c == '-' {
			trimmed = strings.TrimSuffix(trimmed, "Z")
		}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", value)
}

// Path returns the transcript path for a clip stem inside doneDir.
func Path(doneDir, stem string) string {
	return filepath.Join(doneDir, stem+".json")
}

// Load reads the transcript for stem from doneDir.
func Load(doneDir, stem string) (*Transcript, error) {
	return LoadPath(Path(doneDir, stem))
}

// LoadPath reads a transcript JSON file.
func LoadPath(path string) (*Transcript, error) {
	var t Transcript
	if err := fileutil.ReadJSON(path, &t); err != nil {
		return nil, err
	}
	if t.PipelineStatus == "" {
		t.PipelineStatus = StatusLegacy
	}
	return &t, nil
}

// Save atomically writes the transcript into doneDir. The temp file
// carries the .tmp_ prefix so directory scans can skip in-progress
// writes.
func Save(doneDir string, t *Transcript) error {
	stem := t.Stem()
	if stem == "" {
		return fmt.Errorf("transcript has no file name")
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	tmp := filepath.Join(doneDir, ".tmp_"+stem+".json")
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := os.Rename(tmp, Path(doneDir, stem)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename transcript: %w", err)
	}
	return nil
}

// MarkerPath returns the synced-marker path for stem.
func MarkerPath(doneDir, stem string) string {
	return Path(doneDir, stem) + ".synced"
}

// WriteMarker creates (or refreshes) the synced marker for stem.
func WriteMarker(doneDir, stem string) error {
	path := MarkerPath(doneDir, stem)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("write synced marker: %w", err)
	}
	now := time.Now()
	return os.Chtimes(path, now, now)
}

// RemoveMarker deletes the synced marker for stem if present.
func RemoveMarker(doneDir, stem string) error {
	err := os.Remove(MarkerPath(doneDir, stem))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MarkerUpToDate reports whether a synced marker exists and is at least
// as new as the transcript file.
func MarkerUpToDate(doneDir, stem string) bool {
	marker, err := os.Stat(MarkerPath(doneDir, stem))
	if err != nil {
		return false
	}
	source, err := os.Stat(Path(doneDir, stem))
	if err != nil {
		return false
	}
	return !source.ModTime().After(marker.ModTime())
}

// NowISO returns the current UTC time in ISO-8601 with offset.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000-07:00")
}
