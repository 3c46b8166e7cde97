package stitch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"murmur/internal/curator"
	"murmur/internal/fileutil"
	"murmur/internal/logging"
)

func newTestStitcher(t *testing.T) *Stitcher {
	t.Helper()
	return &Stitcher{
		curatorDir: t.TempDir(),
		gap:        120 * time.Second,
		speakerGap: 300 * time.Second,
		logger:     logging.NewNop(),
		now:        time.Now,
	}
}

func named(name string) *string { return &name }

func writeDoc(t *testing.T, s *Stitcher, name, ts string, duration float64, text string, speakers []*curator.Speaker) string {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		t.Fatal(err)
	}
	dayDir := filepath.Join(s.curatorDir, parsed.UTC().Format("2006/01/02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dayDir, name)
	doc := curator.Document{
		Timestamp:  ts,
		Duration:   duration,
		Transcript: text,
		AudioPath:  name + ".wav",
		Speakers:   speakers,
		Source:     curator.Source,
	}
	if err := fileutil.WriteJSONAtomic(path, &doc); err != nil {
		t.Fatal(err)
	}
	return path
}

func readDoc(t *testing.T, path string) *curator.Document {
	t.Helper()
	var doc curator.Document
	if err := fileutil.ReadJSON(path, &doc); err != nil {
		t.Fatal(err)
	}
	return &doc
}

func readIndex(t *testing.T, s *Stitcher, day string) *DayIndex {
	t.Helper()
	var index DayIndex
	if err := fileutil.ReadJSON(filepath.Join(s.curatorDir, day, IndexFileName), &index); err != nil {
		t.Fatal(err)
	}
	return &index
}

func TestRunGroupsByGap(t *testing.T) {
	s := newTestStitcher(t)
	writeDoc(t, s, "12-00-00.json", "2024-01-01T12:00:00Z", 60, "hello there", nil)
	// Ends 12:01:00; 60 s gap keeps it in the first conversation.
	writeDoc(t, s, "12-02-00.json", "2024-01-01T12:02:00Z", 30, "still talking", nil)
	writeDoc(t, s, "12-30-00.json", "2024-01-01T12:30:00Z", 30, "new topic entirely", nil)

	result, err := s.Run(false, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.DaysProcessed != 1 || result.Conversations != 2 {
		t.Fatalf("result = %+v", result)
	}

	index := readIndex(t, s, "2024/01/01")
	if index.Date != "2024-01-01" {
		t.Errorf("date = %q", index.Date)
	}
	first := index.Conversations[0]
	if first.ID != "conv-20240101-120000" {
		t.Errorf("id = %q", first.ID)
	}
	if len(first.Segments) != 2 || first.Segments[0] != "12-00-00.json" {
		t.Errorf("segments = %v", first.Segments)
	}
	if first.TranscriptCount != 2 || first.TotalWords != 4 {
		t.Errorf("count = %d words = %d", first.TranscriptCount, first.TotalWords)
	}
	// 12:00:00 through 12:02:30.
	if first.Duration != 150 {
		t.Errorf("duration = %d, want 150", first.Duration)
	}
}

func TestRunGapBoundary(t *testing.T) {
	tests := []struct {
		name   string
		second string
		want   int
	}{
		{"exactly at threshold joins", "2024-01-01T12:03:00Z", 1},
		{"just past threshold splits", "2024-01-01T12:03:01Z", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStitcher(t)
			writeDoc(t, s, "a.json", "2024-01-01T12:00:00Z", 60, "one", nil)
			writeDoc(t, s, "b.json", tt.second, 30, "two", nil)
			result, err := s.Run(false, false)
			if err != nil {
				t.Fatal(err)
			}
			if result.Conversations != tt.want {
				t.Errorf("conversations = %d, want %d", result.Conversations, tt.want)
			}
		})
	}
}

func TestRunSharedSpeakerExtendsGap(t *testing.T) {
	alice := []*curator.Speaker{{ID: "SPEAKER_00", Name: named("alice")}}
	bob := []*curator.Speaker{{ID: "SPEAKER_00", Name: named("bob")}}

	tests := []struct {
		name   string
		second []*curator.Speaker
		want   int
	}{
		{"shared speaker bridges long gap", alice, 1},
		{"different speakers split", bob, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStitcher(t)
			writeDoc(t, s, "a.json", "2024-01-01T12:00:00Z", 60, "one", alice)
			// Gap of 240 s: past the plain threshold, within the
			// shared-speaker threshold.
			writeDoc(t, s, "b.json", "2024-01-01T12:05:00Z", 30, "two", tt.second)
			result, err := s.Run(false, false)
			if err != nil {
				t.Fatal(err)
			}
			if result.Conversations != tt.want {
				t.Errorf("conversations = %d, want %d", result.Conversations, tt.want)
			}
		})
	}
}

func TestRunWritesConversationIDAndIsIncremental(t *testing.T) {
	s := newTestStitcher(t)
	path := writeDoc(t, s, "a.json", "2024-01-01T12:00:00Z", 60, "one", nil)

	if _, err := s.Run(false, false); err != nil {
		t.Fatal(err)
	}
	if got := readDoc(t, path).ConversationID; got != "conv-20240101-120000" {
		t.Fatalf("conversationId = %q", got)
	}

	again, err := s.Run(false, false)
	if err != nil {
		t.Fatal(err)
	}
	if again.DaysProcessed != 0 {
		t.Errorf("incremental re-run processed %d days", again.DaysProcessed)
	}

	reindexed, err := s.Run(true, false)
	if err != nil {
		t.Fatal(err)
	}
	if reindexed.DaysProcessed != 1 {
		t.Errorf("reindex processed %d days", reindexed.DaysProcessed)
	}
}

func TestRunDryRun(t *testing.T) {
	s := newTestStitcher(t)
	path := writeDoc(t, s, "a.json", "2024-01-01T12:00:00Z", 60, "one", nil)

	result, err := s.Run(false, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.DaysProcessed != 1 || result.Conversations != 1 {
		t.Fatalf("result = %+v", result)
	}
	if readDoc(t, path).ConversationID != "" {
		t.Error("dry run must not stamp conversation IDs")
	}
	if _, err := os.Stat(filepath.Join(s.curatorDir, "2024/01/01", IndexFileName)); !os.IsNotExist(err) {
		t.Error("dry run must not write the day index")
	}
}

func TestRunSpeakerIndexMixesNamesAndLabels(t *testing.T) {
	s := newTestStitcher(t)
	speakers := []*curator.Speaker{
		{ID: "SPEAKER_00", Name: named("alice")},
		{ID: "SPEAKER_01"},
		{ID: "SPEAKER_02", Name: named("unknown")},
	}
	writeDoc(t, s, "a.json", "2024-01-01T12:00:00Z", 60, "one two three", speakers)

	if _, err := s.Run(false, false); err != nil {
		t.Fatal(err)
	}
	conv := readIndex(t, s, "2024/01/01").Conversations[0]
	want := []string{"SPEAKER_01", "SPEAKER_02", "alice"}
	if len(conv.Speakers) != len(want) {
		t.Fatalf("speakers = %v, want %v", conv.Speakers, want)
	}
	for i, name := range want {
		if conv.Speakers[i] != name {
			t.Errorf("speakers[%d] = %q, want %q", i, conv.Speakers[i], name)
		}
	}
}

func TestRunToleratesLegacyTimestampSuffix(t *testing.T) {
	s := newTestStitcher(t)
	dayDir := filepath.Join(s.curatorDir, "2024", "01", "01")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := curator.Document{
		Timestamp:  "2024-01-01T12:00:00+00:00Z",
		Duration:   60,
		Transcript: "legacy words",
		Source:     curator.Source,
	}
	if err := fileutil.WriteJSONAtomic(filepath.Join(dayDir, "12-00-00.json"), &doc); err != nil {
		t.Fatal(err)
	}

	result, err := s.Run(false, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.Conversations != 1 {
		t.Fatalf("conversations = %d", result.Conversations)
	}
	if got := readIndex(t, s, "2024/01/01").Conversations[0].ID; got != "conv-20240101-120000" {
		t.Errorf("id = %q", got)
	}
}

func TestRunSkipsPendingTree(t *testing.T) {
	s := newTestStitcher(t)
	pendingDay := filepath.Join(s.curatorDir, "_pending", "2024", "01", "01")
	if err := os.MkdirAll(pendingDay, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := curator.Document{Timestamp: "2024-01-01T12:00:00Z", Duration: 10, Transcript: "held back"}
	if err := fileutil.WriteJSONAtomic(filepath.Join(pendingDay, "12-00-00.json"), &doc); err != nil {
		t.Fatal(err)
	}

	result, err := s.Run(false, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.DaysProcessed != 0 {
		t.Errorf("pending tree should not be stitched, processed %d days", result.DaysProcessed)
	}
}
