package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"murmur/internal/config"
	"murmur/internal/curator"
	"murmur/internal/logging"
	"murmur/internal/stitch"
	"murmur/internal/transcript"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *config.Config) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Paths.InboxDir = t.TempDir()
	cfg.Paths.DoneDir = t.TempDir()
	cfg.Paths.PlaybackDir = filepath.Join(t.TempDir(), "playback")
	cfg.Paths.CuratorDir = t.TempDir()
	cfg.Paths.JobsFile = filepath.Join(t.TempDir(), "jobs.json")
	cfg.Pipeline.MinPlaybackDuration = 10
	cfg.Orchestrator.PollInterval = 5
	cfg.Orchestrator.OrphanAgeHours = 24
	cfg.Orchestrator.UnidentifiedGraceHours = 2
	cfg.Orchestrator.AudioRetentionDays = 30
	cfg.SpeakerID.MaxWaitHours = 168
	cfg.Stitch.GapSeconds = 120
	cfg.Stitch.SpeakerGapSeconds = 300

	logger := logging.NewNop()
	publisher := curator.NewPublisher(cfg, logger)
	stitcher := stitch.NewStitcher(cfg, logger)
	o := New(cfg, publisher, stitcher, logger)
	if err := os.MkdirAll(o.playbackDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return o, cfg
}

func writeWAV(t *testing.T, dir, stem string) string {
	t.Helper()
	path := filepath.Join(dir, stem+".wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func completeTranscript(stem string) *transcript.Transcript {
	return &transcript.Transcript{
		File:        stem + ".wav",
		Timestamp:   "2024-01-01T12:00:00Z",
		Diarization: true,
		Model:       "assemblyai-universal-2",
		Segments: []transcript.Segment{
			{Start: 0, End: 30, Text: "hello world", Speaker: "SPEAKER_00", SpeakerName: "alice"},
		},
		PipelineStatus: transcript.StatusComplete,
		AssemblyAI:     &transcript.ServiceMeta{TranscriptID: "tr_1", Status: "completed", AudioDuration: 30},
		SpeakerID: &transcript.Identification{
			Identified:   map[string]transcript.Match{"SPEAKER_00": {Name: "alice"}},
			Unidentified: []string{},
		},
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name string
		tr   *transcript.Transcript
		want JobStatus
	}{
		{
			name: "too short",
			tr:   &transcript.Transcript{PipelineStatus: transcript.StatusSkippedTooShort},
			want: StatusSkipped,
		},
		{
			name: "transcribed awaits identification",
			tr:   &transcript.Transcript{PipelineStatus: transcript.StatusTranscribed},
			want: StatusSpeakerIDPending,
		},
		{
			name: "identification failed",
			tr:   &transcript.Transcript{PipelineStatus: transcript.StatusSpeakerIDFailed},
			want: StatusSpeakerIDFailed,
		},
		{
			name: "service error",
			tr: &transcript.Transcript{
				PipelineStatus: transcript.StatusComplete,
				AssemblyAI:     &transcript.ServiceMeta{Status: "error"},
			},
			want: StatusFailed,
		},
		{
			name: "complete with unidentified",
			tr: &transcript.Transcript{
				PipelineStatus: transcript.StatusComplete,
				SpeakerID:      &transcript.Identification{Unidentified: []string{"SPEAKER_01"}},
			},
			want: StatusPendingCurator,
		},
		{
			name: "fully identified",
			tr: &transcript.Transcript{
				PipelineStatus: transcript.StatusComplete,
				SpeakerID:      &transcript.Identification{Unidentified: []string{}},
			},
			want: StatusComplete,
		},
		{
			name: "legacy with segments",
			tr: &transcript.Transcript{
				PipelineStatus: transcript.StatusLegacy,
				Segments:       []transcript.Segment{{Text: "old"}},
			},
			want: StatusComplete,
		},
		{
			name: "legacy without segments",
			tr:   &transcript.Transcript{PipelineStatus: transcript.StatusLegacy},
			want: StatusProcessing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.tr); got != tt.want {
				t.Errorf("DeriveStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSourceFor(t *testing.T) {
	if got := SourceFor("gdrive_clip"); got != "watch_folder" {
		t.Errorf("gdrive source = %q", got)
	}
	if got := SourceFor("recording_20240101_120000"); got != "microphone" {
		t.Errorf("microphone source = %q", got)
	}
}

func TestScanDiscoversInboxWAV(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	writeWAV(t, o.inboxDir, "recording_20240101_120000")

	if err := o.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	jobs := o.Jobs()
	job, ok := jobs["recording_20240101_120000"]
	if !ok {
		t.Fatal("job not created")
	}
	if job.Status != StatusQueued {
		t.Errorf("status = %s", job.Status)
	}
	if job.Source != "microphone" {
		t.Errorf("source = %q", job.Source)
	}
	if job.Stages.Ingested == nil {
		t.Error("ingested stage not stamped")
	}
	if _, err := os.Stat(o.jobsFile); err != nil {
		t.Errorf("manifest not written: %v", err)
	}
}

func TestScanFullLifecycle(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	stem := "recording_20240101_120000"
	writeWAV(t, o.inboxDir, stem)
	if err := transcript.Save(o.doneDir, completeTranscript(stem)); err != nil {
		t.Fatal(err)
	}

	if err := o.ScanOnce(); err != nil {
		t.Fatal(err)
	}

	job := o.Jobs()[stem]
	if job.Status != StatusCuratorSynced {
		t.Fatalf("status = %s", job.Status)
	}
	if job.CuratorPath == nil {
		t.Fatal("curatorPath not set")
	}
	wantRel := filepath.Join("2024", "01", "01", "12-00-00-diarized.json")
	if *job.CuratorPath != wantRel {
		t.Errorf("curatorPath = %s, want %s", *job.CuratorPath, wantRel)
	}
	if job.Stages.CuratorSynced == nil || job.Stages.Transcribed == nil || job.Stages.SpeakerID == nil {
		t.Errorf("stages incomplete: %+v", job.Stages)
	}

	if _, err := os.Stat(filepath.Join(o.inboxDir, stem+".wav")); !os.IsNotExist(err) {
		t.Error("WAV should have left the inbox")
	}
	if _, err := os.Stat(playbackPath(o.playbackDir, stem)); err != nil {
		t.Errorf("WAV not in playback: %v", err)
	}
	if job.PlaybackFile == nil || *job.PlaybackFile != stem+".wav" {
		t.Errorf("playbackFile = %v", job.PlaybackFile)
	}
	if !transcript.MarkerUpToDate(o.doneDir, stem) {
		t.Error("synced marker missing")
	}

	// Publication triggers stitching for the day.
	dayDir := filepath.Dir(filepath.Join(cfg.Paths.CuratorDir, wantRel))
	if _, err := os.Stat(filepath.Join(dayDir, stitch.IndexFileName)); err != nil {
		t.Errorf("day index not written: %v", err)
	}
}

func TestScanDeletesShortClip(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	stem := "recording_20240101_120000"
	writeWAV(t, o.inboxDir, stem)
	tr := completeTranscript(stem)
	tr.Segments[0].End = 5
	tr.AssemblyAI.AudioDuration = 5
	if err := transcript.Save(o.doneDir, tr); err != nil {
		t.Fatal(err)
	}

	if err := o.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(o.inboxDir, stem+".wav")); !os.IsNotExist(err) {
		t.Error("short clip should be deleted")
	}
	if _, err := os.Stat(playbackPath(o.playbackDir, stem)); !os.IsNotExist(err) {
		t.Error("short clip must not reach playback")
	}
	if job := o.Jobs()[stem]; job.PlaybackFile != nil {
		t.Errorf("playbackFile = %v", *job.PlaybackFile)
	}
}

func TestScanHoldsAllUnidentifiedWithinGrace(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	stem := "recording_20240101_120000"
	tr := completeTranscript(stem)
	tr.Timestamp = time.Now().UTC().Format(time.RFC3339)
	tr.Segments[0].SpeakerName = ""
	tr.SpeakerID.Identified = map[string]transcript.Match{}
	tr.SpeakerID.Unidentified = []string{"SPEAKER_00"}
	if err := transcript.Save(o.doneDir, tr); err != nil {
		t.Fatal(err)
	}

	if err := o.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	job := o.Jobs()[stem]
	if job.Status != StatusPendingCurator {
		t.Fatalf("status = %s", job.Status)
	}
	if transcript.MarkerUpToDate(o.doneDir, stem) {
		t.Error("held transcript must not be marked synced")
	}
}

func TestScanIdempotent(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	stem := "recording_20240101_120000"
	writeWAV(t, o.inboxDir, stem)
	if err := transcript.Save(o.doneDir, completeTranscript(stem)); err != nil {
		t.Fatal(err)
	}

	if err := o.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(o.jobsFile)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(o.jobsFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("second scan with no filesystem changes rewrote the manifest")
	}
}

func TestScanRepublishesWhenMarkerRemoved(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	stem := "recording_20240101_120000"
	writeWAV(t, o.inboxDir, stem)
	tr := completeTranscript(stem)
	if err := transcript.Save(o.doneDir, tr); err != nil {
		t.Fatal(err)
	}
	if err := o.ScanOnce(); err != nil {
		t.Fatal(err)
	}

	// Retry loop relabels the clip and removes the marker.
	tr.Segments[0].SpeakerName = "bob"
	tr.SpeakerID.Identified = map[string]transcript.Match{"SPEAKER_00": {Name: "bob"}}
	if err := transcript.Save(o.doneDir, tr); err != nil {
		t.Fatal(err)
	}
	if err := transcript.RemoveMarker(o.doneDir, stem); err != nil {
		t.Fatal(err)
	}

	if err := o.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	job := o.Jobs()[stem]
	if job.Status != StatusCuratorSynced {
		t.Fatalf("status = %s", job.Status)
	}

	var doc curator.Document
	data, err := os.ReadFile(filepath.Join(cfg.Paths.CuratorDir, *job.CuratorPath))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Speakers[0].Name == nil || *doc.Speakers[0].Name != "bob" {
		t.Error("republished document should carry the new name")
	}
}

func TestScanCleansOrphans(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	stem := "recording_20240101_120000"
	path := writeWAV(t, o.inboxDir, stem)
	old := time.Now().Add(-30 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	if err := o.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("orphan WAV should be deleted")
	}
	job := o.Jobs()[stem]
	if job.Status != StatusFailed {
		t.Errorf("status = %s", job.Status)
	}
	if job.Error == nil {
		t.Error("orphan job should carry an error")
	}
}

func TestScanPrunesExpiredAudio(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	stem := "recording_20240101_120000"
	tr := completeTranscript(stem)
	tr.PipelineStatus = transcript.StatusSkippedTooShort
	tr.AssemblyAI = nil
	tr.SpeakerID = nil
	if err := transcript.Save(o.doneDir, tr); err != nil {
		t.Fatal(err)
	}
	path := writeWAV(t, o.playbackDir, stem)
	old := time.Now().Add(-40 * 24 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	if err := o.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expired playback WAV should be pruned")
	}
}

func TestRebuildRecoversFromFilesystem(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	synced := "recording_20240101_120000"
	if err := transcript.Save(o.doneDir, completeTranscript(synced)); err != nil {
		t.Fatal(err)
	}
	if err := transcript.WriteMarker(o.doneDir, synced); err != nil {
		t.Fatal(err)
	}
	writeWAV(t, o.playbackDir, synced)

	queued := "recording_20240101_130000"
	writeWAV(t, o.inboxDir, queued)

	if err := o.Rebuild(); err != nil {
		t.Fatal(err)
	}
	jobs := o.Jobs()

	if job := jobs[synced]; job.Status != StatusCuratorSynced {
		t.Errorf("synced job status = %s", job.Status)
	} else if job.PlaybackFile == nil {
		t.Error("playbackFile not recovered")
	}
	if job := jobs[queued]; job.Status != StatusQueued {
		t.Errorf("queued job status = %s", job.Status)
	}
	if _, err := os.Stat(o.jobsFile); err != nil {
		t.Errorf("manifest not written: %v", err)
	}
}
