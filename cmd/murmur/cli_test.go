package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"murmur/internal/fileutil"
	"murmur/internal/orchestrator"
)

func writeCLIConfig(t *testing.T) (configPath, baseDir string) {
	t.Helper()

	baseDir = t.TempDir()
	configPath = filepath.Join(baseDir, "config.toml")
	content := fmt.Sprintf(`[paths]
inbox_dir = %q
done_dir = %q
playback_dir = %q
profiles_dir = %q
unknown_speakers_dir = %q
curator_dir = %q
log_dir = %q
jobs_file = %q
lock_file = %q
api_bind = ""

[assemblyai]
api_key = "test-key"
`,
		filepath.Join(baseDir, "inbox"),
		filepath.Join(baseDir, "done"),
		filepath.Join(baseDir, "playback"),
		filepath.Join(baseDir, "profiles"),
		filepath.Join(baseDir, "unknown"),
		filepath.Join(baseDir, "curator"),
		filepath.Join(baseDir, "logs"),
		filepath.Join(baseDir, "jobs.json"),
		filepath.Join(baseDir, "murmurd.lock"),
	)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath, baseDir
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	full := args
	if configPath != "" {
		full = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(full)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func requireContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Fatalf("output missing %q:\n%s", want, output)
	}
}

func TestConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCLI(t, "", "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, err := runCLI(t, "", "config", "init", "--path", target); err == nil {
		t.Fatal("expected error when target exists without --overwrite")
	}
	if _, err := runCLI(t, "", "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestJobsEmptyManifest(t *testing.T) {
	configPath, _ := writeCLIConfig(t)

	out, err := runCLI(t, configPath, "jobs")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	requireContains(t, out, "No jobs recorded yet")
}

func TestJobsRendersManifest(t *testing.T) {
	configPath, baseDir := writeCLIConfig(t)

	jobs := map[string]orchestrator.Job{
		"rec_20260301_101500": {
			Source:    "microphone",
			AudioFile: "rec_20260301_101500.wav",
			CreatedAt: "2026-03-01T10:15:00Z",
			Status:    orchestrator.StatusComplete,
		},
		"gdrive_meeting": {
			Source:    "watch_folder",
			AudioFile: "gdrive_meeting.wav",
			CreatedAt: "2026-03-01T11:00:00Z",
			Status:    orchestrator.StatusSpeakerIDPending,
		},
	}
	if err := fileutil.WriteJSONAtomic(filepath.Join(baseDir, "jobs.json"), jobs); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	out, err := runCLI(t, configPath, "jobs")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	requireContains(t, out, "rec_20260301_101500")
	requireContains(t, out, "watch_folder")
	requireContains(t, out, "2 job(s)")
}

func TestCandidatesListEmpty(t *testing.T) {
	configPath, _ := writeCLIConfig(t)

	out, err := runCLI(t, configPath, "candidates", "list")
	if err != nil {
		t.Fatalf("candidates list: %v", err)
	}
	requireContains(t, out, "No candidates pending")
}

func TestStitchDryRunEmptyTree(t *testing.T) {
	configPath, _ := writeCLIConfig(t)

	out, err := runCLI(t, configPath, "stitch", "--dry-run")
	if err != nil {
		t.Fatalf("stitch: %v", err)
	}
	requireContains(t, out, "Would stitch 0 conversation(s)")
}

func TestRunRequiresOnceFlag(t *testing.T) {
	configPath, _ := writeCLIConfig(t)

	if _, err := runCLI(t, configPath, "run"); err == nil {
		t.Fatal("expected error without --once")
	}
}

func TestRunOnceEmptyPipeline(t *testing.T) {
	configPath, _ := writeCLIConfig(t)

	out, err := runCLI(t, configPath, "run", "--once")
	if err != nil {
		t.Fatalf("run --once: %v", err)
	}
	requireContains(t, out, "Cycle complete")
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	configPath, baseDir := writeCLIConfig(t)

	// config show resolves the default path itself, so point HOME at
	// a directory holding the test config.
	home := filepath.Join(baseDir, "home")
	defaultPath := filepath.Join(home, ".config", "murmur", "config.toml")
	if err := os.MkdirAll(filepath.Dir(defaultPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if err := os.WriteFile(defaultPath, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	out, err := runCLI(t, "", "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "<redacted>")
	if strings.Contains(out, "test-key") {
		t.Fatalf("api key leaked into output:\n%s", out)
	}
}
