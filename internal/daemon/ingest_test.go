package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"murmur/internal/logging"
	"murmur/internal/testsupport"
	"murmur/internal/transcript"
)

type recordingProcessor struct {
	mu    sync.Mutex
	paths []string
	done  chan string
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{done: make(chan string, 8)}
}

func (p *recordingProcessor) Process(_ context.Context, wavPath string) error {
	p.mu.Lock()
	p.paths = append(p.paths, wavPath)
	p.mu.Unlock()
	p.done <- wavPath
	return nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.paths)
}

func newTestMonitor(t *testing.T) (*inboxMonitor, *recordingProcessor) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	proc := newRecordingProcessor()
	m := newInboxMonitor(cfg, proc, logging.NewNop())
	m.ctx = context.Background()
	return m, proc
}

func awaitClip(t *testing.T, proc *recordingProcessor) string {
	t.Helper()
	select {
	case path := <-proc.done:
		return path
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for clip dispatch")
		return ""
	}
}

func TestMonitorDispatchesAfterStableSize(t *testing.T) {
	m, proc := newTestMonitor(t)
	path := filepath.Join(m.inboxDir, "recording_20240101_120000.wav")
	if err := os.WriteFile(path, []byte("RIFFdata"), 0o644); err != nil {
		t.Fatal(err)
	}

	m.poll()
	if proc.count() != 0 {
		t.Fatal("clip dispatched before size settled")
	}

	m.poll()
	if got := awaitClip(t, proc); got != path {
		t.Fatalf("dispatched %q, want %q", got, path)
	}
	m.wg.Wait()

	// One attempt per clip: a failed or finished run is not retried
	// while the file lingers in the inbox.
	m.poll()
	m.wg.Wait()
	if proc.count() != 1 {
		t.Fatalf("dispatch count = %d, want 1", proc.count())
	}
}

func TestMonitorWaitsWhileClipGrows(t *testing.T) {
	m, proc := newTestMonitor(t)
	path := filepath.Join(m.inboxDir, "recording_20240101_120100.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	m.poll()
	if err := os.WriteFile(path, []byte("RIFFmoredata"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.poll()
	if proc.count() != 0 {
		t.Fatal("growing clip dispatched early")
	}

	m.poll()
	awaitClip(t, proc)
	m.wg.Wait()
}

func TestMonitorSkipsClipsWithTranscripts(t *testing.T) {
	m, proc := newTestMonitor(t)
	stem := "recording_20240101_120200"
	if err := os.WriteFile(filepath.Join(m.inboxDir, stem+".wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := transcript.Save(m.doneDir, &transcript.Transcript{
		File:           stem + ".wav",
		PipelineStatus: transcript.StatusComplete,
	}); err != nil {
		t.Fatal(err)
	}

	m.poll()
	m.poll()
	m.wg.Wait()
	if proc.count() != 0 {
		t.Fatal("clip with existing transcript was dispatched")
	}
}

func TestMonitorIgnoresNonWAVAndDotfiles(t *testing.T) {
	m, proc := newTestMonitor(t)
	for _, name := range []string{".tmp_recording.wav", "notes.txt", "clip.mp3"} {
		if err := os.WriteFile(filepath.Join(m.inboxDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m.poll()
	m.poll()
	m.wg.Wait()
	if proc.count() != 0 {
		t.Fatalf("dispatched %d clips, want 0", proc.count())
	}
}

func TestMonitorForgetsVanishedClips(t *testing.T) {
	m, proc := newTestMonitor(t)
	path := filepath.Join(m.inboxDir, "recording_20240101_120300.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	m.poll()
	m.poll()
	awaitClip(t, proc)
	m.wg.Wait()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	m.poll()

	m.mu.Lock()
	_, tracked := m.attempted[filepath.Base(path)]
	m.mu.Unlock()
	if tracked {
		t.Fatal("vanished clip still tracked")
	}
}
