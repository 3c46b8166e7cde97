package embedding

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// encoderScript is the embedded Python script for speaker embedding
// extraction. It uses the SpeechBrain ECAPA-TDNN voxceleb model and
// reads raw little-endian float32 PCM so murmur keeps WAV decoding on
// the Go side.
const encoderScript = `#!/usr/bin/env python3
import argparse
import json
import sys

import numpy as np
import torch
import torchaudio
from speechbrain.inference.speaker import EncoderClassifier


def load_encoder():
    device = "cuda" if torch.cuda.is_available() else "cpu"
    return EncoderClassifier.from_hparams(
        source="speechbrain/spkrec-ecapa-voxceleb",
        run_opts={"device": device},
    )


def main():
    parser = argparse.ArgumentParser()
    parser.add_argument("--raw")
    parser.add_argument("--sample-rate", type=int, default=16000)
    parser.add_argument("--probe", action="store_true")
    args = parser.parse_args()
    try:
        encoder = load_encoder()
        if args.probe:
            print(json.dumps({"ok": True}))
            return
        samples = np.fromfile(args.raw, dtype=np.float32)
        if samples.size == 0:
            raise ValueError("empty audio")
        waveform = torch.from_numpy(samples).unsqueeze(0)
        if args.sample_rate != 16000:
            waveform = torchaudio.functional.resample(
                waveform, args.sample_rate, 16000
            )
        embedding = encoder.encode_batch(waveform)
        vector = embedding.squeeze().detach().cpu().numpy()
        print(json.dumps({"embedding": vector.tolist()}))
    except Exception as e:  # noqa: BLE001
        print(json.dumps({"error": str(e)}), file=sys.stderr)
        sys.exit(1)


if __name__ == "__main__":
    main()
`

// Encoder turns PCM samples into a speaker embedding vector.
type Encoder interface {
	// Probe verifies the encoder can load its model.
	Probe(ctx context.Context) error
	// Encode embeds mono float32 PCM at the given sample rate.
	Encode(ctx context.Context, samples []float32, sampleRate int) ([]float64, error)
}

// SpeechBrainEncoder runs the embedded Python script through uvx.
type SpeechBrainEncoder struct {
	workDir string
	script  string
}

// NewSpeechBrainEncoder prepares an encoder that stages its script and
// raw sample files under workDir.
func NewSpeechBrainEncoder(workDir string) *SpeechBrainEncoder {
	return &SpeechBrainEncoder{workDir: workDir}
}

// UseScript points the encoder at an external script instead of the
// embedded copy, for deployments that patch the model setup.
func (e *SpeechBrainEncoder) UseScript(path string) {
	e.script = path
}

type encoderResult struct {
	OK        bool      `json:"ok"`
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Probe runs the script in probe mode, forcing a model load.
func (e *SpeechBrainEncoder) Probe(ctx context.Context) error {
	if _, err := exec.LookPath("uvx"); err != nil {
		return fmt.Errorf("uvx not found: %w", err)
	}
	result, err := e.run(ctx, []string{"--probe"})
	if err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("encoder probe returned no confirmation")
	}
	return nil
}

// Encode embeds the samples and returns the raw model vector.
func (e *SpeechBrainEncoder) Encode(ctx context.Context, samples []float32, sampleRate int) ([]float64, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("encode: no samples")
	}
	rawPath, err := e.writeRaw(samples)
	if err != nil {
		return nil, err
	}
	defer os.Remove(rawPath)

	result, err := e.run(ctx, []string{
		"--raw", rawPath,
		"--sample-rate", strconv.Itoa(sampleRate),
	})
	if err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("encoder returned empty embedding")
	}
	return result.Embedding, nil
}

func (e *SpeechBrainEncoder) writeRaw(samples []float32) (string, error) {
	file, err := os.CreateTemp(e.workDir, "pcm-*.f32")
	if err != nil {
		return "", fmt.Errorf("create raw sample file: %w", err)
	}
	buf := make([]byte, 0, 4*len(samples))
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(s))
	}
	if _, err := file.Write(buf); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("write raw samples: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("close raw sample file: %w", err)
	}
	return file.Name(), nil
}

func (e *SpeechBrainEncoder) ensureScript() (string, error) {
	if e.script != "" {
		return e.script, nil
	}
	if err := os.MkdirAll(e.workDir, 0o755); err != nil {
		return "", fmt.Errorf("create encoder work directory: %w", err)
	}
	scriptPath := filepath.Join(e.workDir, "speaker_encoder.py")
	if err := os.WriteFile(scriptPath, []byte(encoderScript), 0o644); err != nil {
		return "", fmt.Errorf("write encoder script: %w", err)
	}
	e.script = scriptPath
	return scriptPath, nil
}

func (e *SpeechBrainEncoder) run(ctx context.Context, extra []string) (encoderResult, error) {
	scriptPath, err := e.ensureScript()
	if err != nil {
		return encoderResult{}, err
	}

	args := []string{
		"--quiet",
		"--with", "speechbrain",
		"--with", "numpy",
		"--with", "torch",
		"--with", "torchaudio",
		"python", scriptPath,
	}
	args = append(args, extra...)

	cmd := exec.CommandContext(ctx, "uvx", args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()

	if err := cmd.Run(); err != nil {
		var result encoderResult
		if json.Unmarshal(stderr.Bytes(), &result) == nil && result.Error != "" {
			return encoderResult{}, fmt.Errorf("speaker encoder: %s", result.Error)
		}
		return encoderResult{}, fmt.Errorf("speaker encoder: %w: %s", err, lastLine(stderr.String()))
	}

	var result encoderResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return encoderResult{}, fmt.Errorf("parse encoder result: %w", err)
	}
	if result.Error != "" {
		return encoderResult{}, fmt.Errorf("speaker encoder: %s", result.Error)
	}
	return result, nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "no output"
}
