package assemblyai

import (
	"fmt"
	"math"
	"time"

	"murmur/internal/transcript"
)

// Model is recorded on every transcript produced from this service.
const Model = "assemblyai-universal-2"

// CostPerHour is the per-hour rate: $0.15 base plus $0.02 diarization.
const CostPerHour = 0.17

// Response is the raw transcript payload from the API. Times are in
// milliseconds.
type Response struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	Error         string      `json:"error,omitempty"`
	LanguageCode  string      `json:"language_code"`
	AudioDuration float64     `json:"audio_duration"`
	Confidence    float64     `json:"confidence"`
	Utterances    []Utterance `json:"utterances"`
}

// Utterance is one diarized span of speech.
type Utterance struct {
	Speaker    string  `json:"speaker"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words"`
}

// Word carries word-level timing.
type Word struct {
	Text       string  `json:"text"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker"`
}

// Normalize converts an API response into the pipeline transcript
// format. Diarization labels ("A", "B", ...) are remapped to dense
// SPEAKER_NN labels in first-seen order and times converted from
// milliseconds to seconds.
func Normalize(resp *Response, wavFilename string) *transcript.Transcript {
	speakerMap := make(map[string]string)
	nextSpeaker := 0
	mapSpeaker := func(label string) string {
		if label == "" {
			label = "A"
		}
		mapped, ok := speakerMap[label]
		if !ok {
			mapped = fmt.Sprintf("SPEAKER_%02d", nextSpeaker)
			speakerMap[label] = mapped
			nextSpeaker++
		}
		return mapped
	}

	segments := make([]transcript.Segment, 0, len(resp.Utterances))
	for _, utt := range resp.Utterances {
		seg := transcript.Segment{
			Start:      float64(utt.Start) / 1000.0,
			End:        float64(utt.End) / 1000.0,
			Text:       utt.Text,
			Speaker:    mapSpeaker(utt.Speaker),
			Confidence: utt.Confidence,
			Words:      make([]transcript.Word, 0, len(utt.Words)),
		}
		for _, word := range utt.Words {
			speaker := word.Speaker
			if speaker == "" {
				speaker = utt.Speaker
			}
			seg.Words = append(seg.Words, transcript.Word{
				Text:       word.Text,
				Start:      float64(word.Start) / 1000.0,
				End:        float64(word.End) / 1000.0,
				Confidence: word.Confidence,
				Speaker:    mapSpeaker(speaker),
			})
		}
		segments = append(segments, seg)
	}

	language := resp.LanguageCode
	if language == "" {
		language = "en"
	}
	cost := math.Round(resp.AudioDuration/3600.0*CostPerHour*10000) / 10000

	return &transcript.Transcript{
		File:           wavFilename,
		Language:       language,
		Segments:       segments,
		Diarization:    true,
		Model:          Model,
		NumSpeakers:    len(speakerMap),
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		PipelineStatus: transcript.StatusTranscribed,
		AssemblyAI: &transcript.ServiceMeta{
			TranscriptID:  resp.ID,
			Status:        resp.Status,
			AudioDuration: resp.AudioDuration,
			Confidence:    resp.Confidence,
			CostUSD:       cost,
			LanguageCode:  resp.LanguageCode,
		},
	}
}
