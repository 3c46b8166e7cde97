// Package wavio probes and decodes WAV clips for the pipeline.
//
// Decoding normalizes PCM to mono float32 in [-1, 1] and supports
// time-range slicing so the embedding client can feed the encoder
// per-speaker audio without shelling out to an audio tool.
package wavio

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidFile marks files that are not readable WAV containers.
var ErrInvalidFile = errors.New("invalid WAV file format")

// Info describes a WAV file's format without decoding its samples.
type Info struct {
	SampleRate  int
	NumChannels int
	BitDepth    int
	Frames      int
}

// Duration returns the clip length in seconds.
func (i Info) Duration() float64 {
	if i.SampleRate <= 0 {
		return 0
	}
	return float64(i.Frames) / float64(i.SampleRate)
}

// Probe reads the WAV header of path.
func Probe(path string) (Info, error) {
	file, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return Info{}, fmt.Errorf("%s: %w", path, ErrInvalidFile)
	}
	if err := validateFormat(decoder); err != nil {
		return Info{}, fmt.Errorf("%s: %w", path, err)
	}

	duration, err := decoder.Duration()
	if err != nil {
		return Info{}, fmt.Errorf("%s: read duration: %w", path, err)
	}
	frames := int(duration.Seconds() * float64(decoder.SampleRate))

	return Info{
		SampleRate:  int(decoder.SampleRate),
		NumChannels: int(decoder.NumChans),
		BitDepth:    int(decoder.BitDepth),
		Frames:      frames,
	}, nil
}

// DecodeMono decodes path to mono float32 samples in [-1, 1], returning
// the samples and the source sample rate. Stereo input is averaged down.
// start and end are in seconds; end <= 0 means end of file.
func DecodeMono(path string, start, end float64) ([]float32, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, 0, fmt.Errorf("%s: %w", path, ErrInvalidFile)
	}
	if err := validateFormat(decoder); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}

	divisor, err := sampleDivisor(int(decoder.BitDepth))
	if err != nil {
		return nil, 0, err
	}
	sampleRate := int(decoder.SampleRate)
	channels := int(decoder.NumChans)

	var mono []float32
	buf := &audio.IntBuffer{
		Data:   make([]int, 64*1024),
		Format: &audio.Format{SampleRate: sampleRate, NumChannels: channels},
	}
	var carry []int
	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return nil, 0, fmt.Errorf("decode %s: %w", path, err)
		}
		if n == 0 {
			break
		}
		samples := buf.Data[:n]
		if len(carry) > 0 {
			samples = append(carry, samples...)
			carry = nil
		}
		// Keep frames whole across buffer boundaries.
		if rem := len(samples) % channels; rem != 0 {
			carry = append(carry, samples[len(samples)-rem:]...)
			samples = samples[:len(samples)-rem]
		}
		for frame := 0; frame < len(samples); frame += channels {
			var sum float32
			for ch := 0; ch < channels; ch++ {
				sum += float32(samples[frame+ch]) / divisor
			}
			mono = append(mono, sum/float32(channels))
		}
	}

	lo, hi := frameRange(len(mono), sampleRate, start, end)
	if lo >= hi {
		return nil, sampleRate, nil
	}
	return mono[lo:hi], sampleRate, nil
}

func frameRange(frames, sampleRate int, start, end float64) (int, int) {
	lo := 0
	if start > 0 {
		lo = int(start * float64(sampleRate))
	}
	hi := frames
	if end > 0 {
		if bounded := int(end * float64(sampleRate)); bounded < hi {
			hi = bounded
		}
	}
	if lo > frames {
		lo = frames
	}
	return lo, hi
}

func validateFormat(decoder *wav.Decoder) error {
	if decoder.BitDepth != 16 && decoder.BitDepth != 32 {
		return fmt.Errorf("unsupported bit depth: %d", decoder.BitDepth)
	}
	if decoder.NumChans != 1 && decoder.NumChans != 2 {
		return fmt.Errorf("unsupported number of channels: %d", decoder.NumChans)
	}
	if decoder.SampleRate == 0 {
		return errors.New("missing sample rate")
	}
	return nil
}

func sampleDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768, nil
	case 32:
		return 2147483648, nil
	default:
		return 0, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}
}
