package embedding

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"murmur/internal/logging"
	"murmur/internal/testsupport"
)

type fakeEncoder struct {
	probeErr  error
	probes    int
	encodes   int
	vector    []float64
	encodeErr error
}

func (f *fakeEncoder) Probe(context.Context) error {
	f.probes++
	return f.probeErr
}

func (f *fakeEncoder) Encode(_ context.Context, samples []float32, _ int) ([]float64, error) {
	f.encodes++
	if f.encodeErr != nil {
		return nil, f.encodeErr
	}
	if f.vector != nil {
		return f.vector, nil
	}
	return []float64{3, 4}, nil
}

func TestExtractNormalizesOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	testsupport.WriteWAV(t, path, 2)

	client := NewClient(&fakeEncoder{}, time.Minute, 1.0, logging.NewNop())
	vector, err := client.Extract(context.Background(), path, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(Norm(vector), 1) {
		t.Fatalf("output norm = %v", Norm(vector))
	}
}

func TestExtractTooShort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.wav")
	testsupport.WriteWAV(t, path, 0.5)

	client := NewClient(&fakeEncoder{}, time.Minute, 1.0, logging.NewNop())
	if _, err := client.Extract(context.Background(), path, 0, 0); !errors.Is(err, ErrTooShort) {
		t.Fatalf("err = %v, want ErrTooShort", err)
	}
}

func TestEnsureReadyCooldown(t *testing.T) {
	encoder := &fakeEncoder{probeErr: errors.New("model missing")}
	client := NewClient(encoder, 5*time.Minute, 1.0, logging.NewNop())

	current := time.Unix(1000, 0)
	client.now = func() time.Time { return current }

	if err := client.EnsureReady(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("first attempt err = %v", err)
	}
	if encoder.probes != 1 {
		t.Fatalf("probes = %d", encoder.probes)
	}

	// Inside cooldown: short-circuits without probing.
	current = current.Add(time.Minute)
	if err := client.EnsureReady(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("cooldown err = %v", err)
	}
	if encoder.probes != 1 {
		t.Fatalf("probes during cooldown = %d", encoder.probes)
	}

	// After cooldown: probes again, succeeds, and stays ready.
	current = current.Add(5 * time.Minute)
	encoder.probeErr = nil
	if err := client.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !client.Ready() {
		t.Fatal("client should be ready")
	}
	if err := client.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	if encoder.probes != 2 {
		t.Fatalf("probes after success = %d", encoder.probes)
	}
}

func TestExtractMultiPicksLongestRanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	testsupport.WriteWAV(t, path, 10)

	encoder := &fakeEncoder{vector: []float64{1, 0}}
	client := NewClient(encoder, time.Minute, 1.0, logging.NewNop())

	ranges := []Range{
		{Start: 0, End: 0.5},  // below minimum, dropped
		{Start: 1, End: 3},    // kept
		{Start: 4, End: 5.5},  // kept
		{Start: 6, End: 9},    // kept
		{Start: 9, End: 10.2}, // kept but only 3 longest used
	}
	vector, err := client.ExtractMulti(context.Background(), path, ranges, 3)
	if err != nil {
		t.Fatal(err)
	}
	if encoder.encodes != 3 {
		t.Fatalf("encodes = %d, want 3", encoder.encodes)
	}
	if !almostEqual(Norm(vector), 1) {
		t.Fatalf("output norm = %v", Norm(vector))
	}
}

func TestExtractMultiNoUsableRanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	testsupport.WriteWAV(t, path, 4)

	client := NewClient(&fakeEncoder{}, time.Minute, 1.0, logging.NewNop())
	_, err := client.ExtractMulti(context.Background(), path, []Range{{Start: 0, End: 0.9}}, 3)
	if !errors.Is(err, ErrTooShort) {
		t.Fatalf("err = %v, want ErrTooShort", err)
	}
}

func TestExtractMultiSingleRangeShortcut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	testsupport.WriteWAV(t, path, 4)

	encoder := &fakeEncoder{vector: []float64{0, 2}}
	client := NewClient(encoder, time.Minute, 1.0, logging.NewNop())
	vector, err := client.ExtractMulti(context.Background(), path, []Range{{Start: 0, End: 3}}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if encoder.encodes != 1 {
		t.Fatalf("encodes = %d", encoder.encodes)
	}
	if !almostEqual(vector[1], 1) {
		t.Fatalf("vector = %v", vector)
	}
}
