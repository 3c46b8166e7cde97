// Package curator converts finished transcripts into the curator
// workspace document format and publishes them under a date-sharded
// directory tree. Publication is gated on identification completeness
// with bounded grace windows, so downstream consumers see speaker
// names whenever the pipeline can still supply them.
package curator

import (
	"math"
	"strings"
	"time"

	"murmur/internal/transcript"
)

// Source identifies passively captured voice transcripts to the
// curator workspace.
const Source = "voice-passive"

// Utterance is one spoken span inside a speaker block.
type Utterance struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Speaker groups a diarized voice's utterances. Name is null until a
// profile match supplies one.
type Speaker struct {
	ID         string      `json:"id"`
	Name       *string     `json:"name"`
	Utterances []Utterance `json:"utterances"`
}

// FlatUtterance is the chronological utterance view; Speaker carries
// the resolved name when known, the diarized label otherwise.
type FlatUtterance struct {
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Document is the published curator record for one clip.
type Document struct {
	Timestamp           string                     `json:"timestamp"`
	Duration            float64                    `json:"duration"`
	Transcript          string                     `json:"transcript"`
	AudioPath           string                     `json:"audioPath"`
	Speakers            []*Speaker                 `json:"speakers"`
	NumSpeakers         int                        `json:"numSpeakers"`
	Utterances          []FlatUtterance            `json:"utterances"`
	Source              string                     `json:"source"`
	Model               string                     `json:"model"`
	Diarization         bool                       `json:"diarization"`
	PipelineStatus      transcript.PipelineStatus  `json:"pipeline_status"`
	Confidence          *float64                   `json:"confidence"`
	SpeakerIDError      *string                    `json:"speaker_id_error"`
	SpeakerIDRetryCount int                        `json:"speaker_id_retry_count"`
	AssemblyAI          *transcript.ServiceMeta    `json:"assemblyai,omitempty"`
	SpeakerID           *transcript.Identification `json:"speaker_identification,omitempty"`
	// ConversationID is stamped by the stitcher after publication.
	ConversationID string `json:"conversationId,omitempty"`
}

// Convert builds the curator document for a transcript and returns the
// recording time used for date sharding. Timestamps fall back to the
// capture-encoded clip stem, then to now, so a mangled transcript still
// files somewhere sensible.
func Convert(tr *transcript.Transcript, now time.Time) (*Document, time.Time) {
	ts, err := tr.ParseTimestamp()
	if err != nil {
		ts = stemTime(tr.Stem(), now)
	}

	var (
		speakers []*Speaker
		byID     = make(map[string]*Speaker)
		flat     []FlatUtterance
		texts    []string
		maxEnd   float64
	)
	for _, seg := range tr.Segments {
		if seg.End > maxEnd {
			maxEnd = seg.End
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		texts = append(texts, text)

		id := seg.Speaker
		if id == "" {
			id = "unknown"
		}
		block, ok := byID[id]
		if !ok {
			block = &Speaker{ID: id}
			byID[id] = block
			speakers = append(speakers, block)
		}
		if block.Name == nil && seg.SpeakerName != "" {
			name := seg.SpeakerName
			block.Name = &name
		}
		block.Utterances = append(block.Utterances, Utterance{Text: text, Start: seg.Start, End: seg.End})

		label := seg.SpeakerName
		if label == "" {
			label = id
		}
		flat = append(flat, FlatUtterance{Speaker: label, Text: text, Start: seg.Start, End: seg.End})
	}

	model := tr.Model
	if model == "" {
		model = "unknown"
	}
	status := tr.PipelineStatus
	if status == "" {
		status = transcript.StatusLegacy
	}

	doc := &Document{
		Timestamp:           ts.UTC().Format(time.RFC3339),
		Duration:            math.Round(maxEnd),
		Transcript:          strings.Join(texts, " "),
		AudioPath:           tr.File,
		Speakers:            speakers,
		NumSpeakers:         len(speakers),
		Utterances:          flat,
		Source:              Source,
		Model:               model,
		Diarization:         tr.Diarization,
		PipelineStatus:      status,
		SpeakerIDRetryCount: tr.SpeakerIDRetryCount,
		AssemblyAI:          tr.AssemblyAI,
		SpeakerID:           tr.SpeakerID,
	}
	if tr.AssemblyAI != nil {
		confidence := tr.AssemblyAI.Confidence
		doc.Confidence = &confidence
	}
	if tr.SpeakerIDError != "" {
		errText := tr.SpeakerIDError
		doc.SpeakerIDError = &errText
	}
	return doc, ts
}

// stemTime recovers the recording time from a capture-named stem such
// as recording_20240101_120000.
func stemTime(stem string, fallback time.Time) time.Time {
	parts := strings.Split(stem, "_")
	if len(parts) >= 3 {
		if ts, err := time.Parse("20060102_150405", parts[1]+"_"+parts[2]); err == nil {
			return ts
		}
	}
	return fallback
}
