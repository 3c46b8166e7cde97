package curator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"murmur/internal/logging"
	"murmur/internal/transcript"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	return &Publisher{
		curatorDir: t.TempDir(),
		doneDir:    t.TempDir(),
		maxWait:    168 * time.Hour,
		grace:      2 * time.Hour,
		logger:     logging.NewNop(),
		now:        time.Now,
	}
}

func testTranscript(status transcript.PipelineStatus) *transcript.Transcript {
	alice := transcript.Segment{
		Start: 0, End: 5.2, Text: "  hello there  ",
		Speaker: "SPEAKER_00", SpeakerName: "alice",
	}
	stranger := transcript.Segment{
		Start: 5.5, End: 11.7, Text: "who is this",
		Speaker: "SPEAKER_01",
	}
	return &transcript.Transcript{
		File:           "recording_20240101_120000.wav",
		Segments:       []transcript.Segment{alice, stranger},
		Diarization:    true,
		Model:          "assemblyai-universal-2",
		Timestamp:      "2024-01-01T12:00:00Z",
		PipelineStatus: status,
		AssemblyAI:     &transcript.ServiceMeta{TranscriptID: "tr_1", AudioDuration: 12, Confidence: 0.91},
		SpeakerID: &transcript.Identification{
			Identified:   map[string]transcript.Match{"SPEAKER_00": {Name: "alice", Distance: 0.1}},
			Unidentified: []string{"SPEAKER_01"},
		},
	}
}

func TestConvertBuildsDocument(t *testing.T) {
	tr := testTranscript(transcript.StatusComplete)
	doc, ts := Convert(tr, time.Now())

	if got := ts.Format(time.RFC3339); got != "2024-01-01T12:00:00Z" {
		t.Fatalf("timestamp = %s", got)
	}
	if doc.Duration != 12 {
		t.Errorf("duration = %v, want 12", doc.Duration)
	}
	if doc.Transcript != "hello there who is this" {
		t.Errorf("transcript = %q", doc.Transcript)
	}
	if doc.AudioPath != "recording_20240101_120000.wav" {
		t.Errorf("audioPath = %q", doc.AudioPath)
	}
	if len(doc.Speakers) != 2 || doc.NumSpeakers != 2 {
		t.Fatalf("speakers = %d", len(doc.Speakers))
	}
	if doc.Speakers[0].ID != "SPEAKER_00" || doc.Speakers[0].Name == nil || *doc.Speakers[0].Name != "alice" {
		t.Errorf("first speaker = %+v", doc.Speakers[0])
	}
	if doc.Speakers[1].Name != nil {
		t.Errorf("unidentified speaker should have null name, got %q", *doc.Speakers[1].Name)
	}
	if len(doc.Utterances) != 2 {
		t.Fatalf("utterances = %d", len(doc.Utterances))
	}
	if doc.Utterances[0].Speaker != "alice" || doc.Utterances[1].Speaker != "SPEAKER_01" {
		t.Errorf("utterance speakers = %q, %q", doc.Utterances[0].Speaker, doc.Utterances[1].Speaker)
	}
	if doc.Source != "voice-passive" {
		t.Errorf("source = %q", doc.Source)
	}
	if doc.Confidence == nil || *doc.Confidence != 0.91 {
		t.Errorf("confidence = %v", doc.Confidence)
	}
	if doc.SpeakerIDError != nil {
		t.Errorf("speaker_id_error should be null")
	}
}

func TestConvertTimestampFallsBackToStem(t *testing.T) {
	tr := testTranscript(transcript.StatusComplete)
	tr.Timestamp = "not a timestamp"
	_, ts := Convert(tr, time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC))
	if got := ts.Format("2006-01-02 15:04:05"); got != "2024-01-01 12:00:00" {
		t.Fatalf("stem fallback = %s", got)
	}
}

func TestConvertSkipsEmptySegments(t *testing.T) {
	tr := testTranscript(transcript.StatusComplete)
	tr.Segments = append(tr.Segments, transcript.Segment{Start: 12, End: 14, Text: "   ", Speaker: "SPEAKER_02"})
	doc, _ := Convert(tr, time.Now())
	if doc.NumSpeakers != 2 {
		t.Errorf("blank segment should not create a speaker, got %d", doc.NumSpeakers)
	}
	// The blank tail still counts toward the clip duration.
	if doc.Duration != 14 {
		t.Errorf("duration = %v, want 14", doc.Duration)
	}
}

func TestConvertLegacyDefaults(t *testing.T) {
	tr := &transcript.Transcript{
		File:      "old.wav",
		Timestamp: "2024-01-01T12:00:00Z",
		Segments:  []transcript.Segment{{Start: 0, End: 3, Text: "legacy words"}},
	}
	doc, _ := Convert(tr, time.Now())
	if doc.PipelineStatus != transcript.StatusLegacy {
		t.Errorf("pipeline_status = %q", doc.PipelineStatus)
	}
	if doc.Model != "unknown" {
		t.Errorf("model = %q", doc.Model)
	}
	if doc.Confidence != nil {
		t.Errorf("confidence should be null without service metadata")
	}
	if doc.Speakers[0].ID != "unknown" {
		t.Errorf("unlabeled segment speaker = %q", doc.Speakers[0].ID)
	}
}

func TestEvaluateGates(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		setup func(t *testing.T, p *Publisher) *transcript.Transcript
		want  Decision
	}{
		{
			name: "complete publishes",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				return testTranscript(transcript.StatusComplete)
			},
			want: DecisionPublish,
		},
		{
			name: "no segments marks only",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				tr := testTranscript(transcript.StatusComplete)
				tr.Segments = nil
				return tr
			},
			want: DecisionMarkOnly,
		},
		{
			name: "whitespace text marks only",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				tr := testTranscript(transcript.StatusComplete)
				for i := range tr.Segments {
					tr.Segments[i].Text = "   "
				}
				return tr
			},
			want: DecisionMarkOnly,
		},
		{
			name: "too short marks only",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				return testTranscript(transcript.StatusSkippedTooShort)
			},
			want: DecisionMarkOnly,
		},
		{
			name: "transcribed holds",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				return testTranscript(transcript.StatusTranscribed)
			},
			want: DecisionHold,
		},
		{
			name: "identification failure holds while fresh",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				tr := testTranscript(transcript.StatusSpeakerIDFailed)
				if err := transcript.Save(p.doneDir, tr); err != nil {
					t.Fatal(err)
				}
				return tr
			},
			want: DecisionHold,
		},
		{
			name: "identification failure publishes after max wait",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				tr := testTranscript(transcript.StatusSpeakerIDFailed)
				if err := transcript.Save(p.doneDir, tr); err != nil {
					t.Fatal(err)
				}
				old := time.Now().Add(-200 * time.Hour)
				if err := os.Chtimes(transcript.Path(p.doneDir, tr.Stem()), old, old); err != nil {
					t.Fatal(err)
				}
				return tr
			},
			want: DecisionPublish,
		},
		{
			name: "all unidentified holds within grace",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				tr := testTranscript(transcript.StatusComplete)
				tr.SpeakerID.Identified = map[string]transcript.Match{}
				tr.SpeakerID.Unidentified = []string{"SPEAKER_00", "SPEAKER_01"}
				p.now = func() time.Time { return base.Add(time.Hour) }
				return tr
			},
			want: DecisionHold,
		},
		{
			name: "all unidentified publishes after grace",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				tr := testTranscript(transcript.StatusComplete)
				tr.SpeakerID.Identified = map[string]transcript.Match{}
				tr.SpeakerID.Unidentified = []string{"SPEAKER_00", "SPEAKER_01"}
				p.now = func() time.Time { return base.Add(3 * time.Hour) }
				return tr
			},
			want: DecisionPublish,
		},
		{
			name: "unparseable timestamp does not block grace",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				tr := testTranscript(transcript.StatusComplete)
				tr.SpeakerID.Identified = map[string]transcript.Match{}
				tr.SpeakerID.Unidentified = []string{"SPEAKER_00"}
				tr.Timestamp = "garbage"
				return tr
			},
			want: DecisionPublish,
		},
		{
			name: "partially identified publishes immediately",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				return testTranscript(transcript.StatusComplete)
			},
			want: DecisionPublish,
		},
		{
			name: "no identification publishes",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				return testTranscript(transcript.StatusCompleteNoSpeakers)
			},
			want: DecisionPublish,
		},
		{
			name: "legacy publishes",
			setup: func(t *testing.T, p *Publisher) *transcript.Transcript {
				return testTranscript(transcript.StatusLegacy)
			},
			want: DecisionPublish,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPublisher(t)
			tr := tt.setup(t, p)
			got, reason := p.Evaluate(tr)
			if got != tt.want {
				t.Errorf("decision = %s (%s), want %s", got, reason, tt.want)
			}
		})
	}
}

func TestSyncOnePublishes(t *testing.T) {
	p := newTestPublisher(t)
	tr := testTranscript(transcript.StatusComplete)
	if err := transcript.Save(p.doneDir, tr); err != nil {
		t.Fatal(err)
	}

	result, err := p.SyncOne(tr)
	if err != nil {
		t.Fatal(err)
	}
	if result.Decision != DecisionPublish {
		t.Fatalf("decision = %s (%s)", result.Decision, result.Reason)
	}
	wantRel := filepath.Join("2024", "01", "01", "12-00-00-diarized.json")
	if result.RelPath != wantRel {
		t.Errorf("rel path = %s, want %s", result.RelPath, wantRel)
	}

	data, err := os.ReadFile(filepath.Join(p.curatorDir, wantRel))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"timestamp", "transcript", "audioPath", "speakers", "utterances", "confidence", "speaker_identification"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("published document missing %q", key)
		}
	}

	if !transcript.MarkerUpToDate(p.doneDir, tr.Stem()) {
		t.Error("synced marker not written")
	}
}

func TestSyncOneMarkOnlyTouchesMarker(t *testing.T) {
	p := newTestPublisher(t)
	tr := testTranscript(transcript.StatusSkippedTooShort)
	if err := transcript.Save(p.doneDir, tr); err != nil {
		t.Fatal(err)
	}

	result, err := p.SyncOne(tr)
	if err != nil {
		t.Fatal(err)
	}
	if result.Decision != DecisionMarkOnly {
		t.Fatalf("decision = %s", result.Decision)
	}
	if !transcript.MarkerUpToDate(p.doneDir, tr.Stem()) {
		t.Error("marker missing for skipped transcript")
	}
	if matches, _ := filepath.Glob(filepath.Join(p.curatorDir, "*", "*", "*", "*.json")); len(matches) != 0 {
		t.Errorf("nothing should be published, found %v", matches)
	}
}

func TestSyncOneOverwritesExistingOnResync(t *testing.T) {
	p := newTestPublisher(t)
	tr := testTranscript(transcript.StatusComplete)
	if err := transcript.Save(p.doneDir, tr); err != nil {
		t.Fatal(err)
	}

	first, err := p.SyncOne(tr)
	if err != nil {
		t.Fatal(err)
	}

	// A later retry identifies the second voice; the same curator file
	// is overwritten in place.
	tr.Segments[1].SpeakerName = "bob"
	tr.SpeakerID.Identified["SPEAKER_01"] = transcript.Match{Name: "bob", Distance: 0.2}
	tr.SpeakerID.Unidentified = nil

	second, err := p.SyncOne(tr)
	if err != nil {
		t.Fatal(err)
	}
	if second.RelPath != first.RelPath {
		t.Fatalf("re-sync wrote %s, want %s", second.RelPath, first.RelPath)
	}

	var doc Document
	data, err := os.ReadFile(filepath.Join(p.curatorDir, second.RelPath))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Speakers[1].Name == nil || *doc.Speakers[1].Name != "bob" {
		t.Errorf("overwritten document should carry the new name")
	}
}

func TestSyncOneCollisionAppendsCounter(t *testing.T) {
	p := newTestPublisher(t)
	first := testTranscript(transcript.StatusComplete)
	if err := transcript.Save(p.doneDir, first); err != nil {
		t.Fatal(err)
	}
	if _, err := p.SyncOne(first); err != nil {
		t.Fatal(err)
	}

	second := testTranscript(transcript.StatusComplete)
	second.File = "gdrive_other_clip.wav"
	if err := transcript.Save(p.doneDir, second); err != nil {
		t.Fatal(err)
	}
	result, err := p.SyncOne(second)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("2024", "01", "01", "12-00-00-diarized-1.json")
	if result.RelPath != want {
		t.Errorf("collision path = %s, want %s", result.RelPath, want)
	}
}

func TestSyncOnePromotesFromPending(t *testing.T) {
	p := newTestPublisher(t)
	tr := testTranscript(transcript.StatusComplete)
	if err := transcript.Save(p.doneDir, tr); err != nil {
		t.Fatal(err)
	}

	pendingDir := filepath.Join(p.curatorDir, PendingDirName, "2024", "01", "01")
	if err := os.MkdirAll(pendingDir, 0o755); err != nil {
		t.Fatal(err)
	}
	pendingFile := filepath.Join(pendingDir, "12-00-00-diarized.json")
	held := []byte(`{"audioPath":"recording_20240101_120000.wav","transcript":"old"}`)
	if err := os.WriteFile(pendingFile, held, 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := p.SyncOne(tr)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("2024", "01", "01", "12-00-00-diarized.json")
	if result.RelPath != want {
		t.Errorf("rel path = %s, want %s", result.RelPath, want)
	}
	if _, err := os.Stat(pendingFile); !os.IsNotExist(err) {
		t.Error("pending copy should be removed after promotion")
	}
	if _, err := os.Stat(filepath.Join(p.curatorDir, want)); err != nil {
		t.Errorf("promoted file missing: %v", err)
	}
}

func TestSyncAllSkipsSyncedAndHeld(t *testing.T) {
	p := newTestPublisher(t)

	ready := testTranscript(transcript.StatusComplete)
	if err := transcript.Save(p.doneDir, ready); err != nil {
		t.Fatal(err)
	}

	held := testTranscript(transcript.StatusTranscribed)
	held.File = "recording_20240101_130000.wav"
	held.Timestamp = "2024-01-01T13:00:00Z"
	if err := transcript.Save(p.doneDir, held); err != nil {
		t.Fatal(err)
	}

	synced := testTranscript(transcript.StatusComplete)
	synced.File = "recording_20240101_140000.wav"
	synced.Timestamp = "2024-01-01T14:00:00Z"
	if err := transcript.Save(p.doneDir, synced); err != nil {
		t.Fatal(err)
	}
	if err := transcript.WriteMarker(p.doneDir, synced.Stem()); err != nil {
		t.Fatal(err)
	}

	published, err := p.SyncAll()
	if err != nil {
		t.Fatal(err)
	}
	if published != 1 {
		t.Fatalf("published = %d, want 1", published)
	}
	if transcript.MarkerUpToDate(p.doneDir, held.Stem()) {
		t.Error("held transcript must not be marked synced")
	}
}

func TestMigratePending(t *testing.T) {
	p := newTestPublisher(t)

	unresolved := testTranscript(transcript.StatusComplete)
	if err := transcript.Save(p.doneDir, unresolved); err != nil {
		t.Fatal(err)
	}
	if _, err := p.SyncOne(unresolved); err != nil {
		t.Fatal(err)
	}

	resolved := testTranscript(transcript.StatusComplete)
	resolved.File = "recording_20240101_150000.wav"
	resolved.Timestamp = "2024-01-01T15:00:00Z"
	resolved.Segments[1].SpeakerName = "bob"
	resolved.SpeakerID.Identified["SPEAKER_01"] = transcript.Match{Name: "bob"}
	resolved.SpeakerID.Unidentified = nil
	if err := transcript.Save(p.doneDir, resolved); err != nil {
		t.Fatal(err)
	}
	if _, err := p.SyncOne(resolved); err != nil {
		t.Fatal(err)
	}

	dry, err := p.MigratePending(true)
	if err != nil {
		t.Fatal(err)
	}
	if dry.Moved != 0 || dry.Examined != 2 {
		t.Fatalf("dry run stats = %+v", dry)
	}

	stats, err := p.MigratePending(false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Moved != 1 || stats.MarkersRemoved != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	moved := filepath.Join(p.curatorDir, PendingDirName, "2024", "01", "01", "12-00-00-diarized.json")
	if _, err := os.Stat(moved); err != nil {
		t.Errorf("unidentified file should be in pending: %v", err)
	}
	if transcript.MarkerUpToDate(p.doneDir, unresolved.Stem()) {
		t.Error("marker should be removed for migrated transcript")
	}
	kept := filepath.Join(p.curatorDir, "2024", "01", "01", "15-00-00-diarized.json")
	if _, err := os.Stat(kept); err != nil {
		t.Errorf("identified file should remain active: %v", err)
	}
}
