package wavio

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeWAV(t *testing.T, path string, sampleRate, channels int, frames int) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	encoder := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	data := make([]int, frames*channels)
	for frame := 0; frame < frames; frame++ {
		value := int(8000 * math.Sin(2*math.Pi*440*float64(frame)/float64(sampleRate)))
		for ch := 0; ch < channels; ch++ {
			data[frame*channels+ch] = value
		}
	}
	buf := &audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: channels},
		SourceBitDepth: 16,
	}
	if err := encoder.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := encoder.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	writeWAV(t, path, 16000, 1, 16000*2)

	info, err := Probe(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.SampleRate != 16000 {
		t.Fatalf("sample rate = %d", info.SampleRate)
	}
	if info.NumChannels != 1 {
		t.Fatalf("channels = %d", info.NumChannels)
	}
	if got := info.Duration(); math.Abs(got-2.0) > 0.01 {
		t.Fatalf("duration = %v, want ~2.0", got)
	}
}

func TestProbeRejectsNonWAV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk.wav")
	if err := os.WriteFile(path, []byte("not a wav"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Probe(path); err == nil {
		t.Fatal("expected invalid file error")
	}
}

func TestDecodeMonoFull(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	writeWAV(t, path, 16000, 1, 16000)

	samples, rate, err := DecodeMono(path, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d", rate)
	}
	if len(samples) != 16000 {
		t.Fatalf("samples = %d, want 16000", len(samples))
	}
	for i, s := range samples {
		if s < -1 || s > 1 {
			t.Fatalf("sample %d out of range: %v", i, s)
		}
	}
}

func TestDecodeMonoStereoAverages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stereo.wav")
	writeWAV(t, path, 16000, 2, 8000)

	samples, _, err := DecodeMono(path, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 8000 {
		t.Fatalf("samples = %d, want 8000 mono frames", len(samples))
	}
}

func TestDecodeMonoRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	writeWAV(t, path, 16000, 1, 16000*3)

	samples, _, err := DecodeMono(path, 1.0, 2.0)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 16000 {
		t.Fatalf("samples = %d, want 16000 for a 1s slice", len(samples))
	}
}

func TestDecodeMonoEmptyRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	writeWAV(t, path, 16000, 1, 16000)

	samples, _, err := DecodeMono(path, 5.0, 6.0)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 0 {
		t.Fatalf("expected empty slice past EOF, got %d samples", len(samples))
	}
}
