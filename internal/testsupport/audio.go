package testsupport

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV writes a mono 16 kHz sine tone of the given length. The content
// does not matter to the pipeline, only that it parses as PCM with the
// expected duration.
func WriteWAV(t testing.TB, path string, seconds float64) {
	t.Helper()

	const rate = 16000
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer file.Close()

	encoder := wav.NewEncoder(file, rate, 16, 1, 1)
	frames := int(seconds * rate)
	data := make([]int, frames)
	for i := range data {
		data[i] = int(4000 * math.Sin(2*math.Pi*330*float64(i)/rate))
	}
	buf := &audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{SampleRate: rate, NumChannels: 1},
		SourceBitDepth: 16,
	}
	if err := encoder.Write(buf); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := encoder.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}
