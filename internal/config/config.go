package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	InboxDir           string `toml:"inbox_dir"`
	DoneDir            string `toml:"done_dir"`
	PlaybackDir        string `toml:"playback_dir"`
	ProfilesDir        string `toml:"profiles_dir"`
	UnknownSpeakersDir string `toml:"unknown_speakers_dir"`
	CuratorDir         string `toml:"curator_dir"`
	LogDir             string `toml:"log_dir"`
	JobsFile           string `toml:"jobs_file"`
	LockFile           string `toml:"lock_file"`
	APIBind            string `toml:"api_bind"`
	APIToken           string `toml:"api_token"`
}

// AssemblyAI contains configuration for the cloud transcription service.
type AssemblyAI struct {
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	MaxSpeakers       int    `toml:"max_speakers"`
	PollInterval      int    `toml:"poll_interval"`
	PollTimeout       int    `toml:"poll_timeout"`
	MaxRetries        int    `toml:"max_retries"`
	RetryBaseDelay    int    `toml:"retry_base_delay"`
	LanguageDetection bool   `toml:"language_detection"`
}

// Pipeline contains per-clip worker settings.
type Pipeline struct {
	MinTranscribeSeconds float64 `toml:"min_transcribe_seconds"`
	MinPlaybackDuration  float64 `toml:"min_playback_duration"`
}

// SpeakerID contains speaker identification settings.
type SpeakerID struct {
	Enabled             bool    `toml:"enabled"`
	EncoderRetrySeconds int     `toml:"encoder_retry_seconds"`
	RetryInterval       int     `toml:"retry_interval"`
	RetryWarmup         int     `toml:"retry_warmup"`
	MaxRetries          int     `toml:"max_retries"`
	MaxWaitHours        int     `toml:"max_wait_hours"`
	MinSegmentDuration  float64 `toml:"min_segment_duration"`
	EncoderScript       string  `toml:"encoder_script"`
}

// UnknownSpeakers contains unknown-voice clustering settings.
type UnknownSpeakers struct {
	PromoteMinSamples int     `toml:"promote_min_samples"`
	MaxVariance       float64 `toml:"max_variance"`
	MaxConsistency    float64 `toml:"max_consistency"`
	ClusterRadius     float64 `toml:"cluster_radius"`
	PruneMinSamples   int     `toml:"prune_min_samples"`
	PruneMaxAgeDays   int     `toml:"prune_max_age_days"`
	PruneEveryCycles  int     `toml:"prune_every_cycles"`
}

// Orchestrator contains job-lifecycle settings.
type Orchestrator struct {
	PollInterval           int    `toml:"poll_interval"`
	OrphanAgeHours         int    `toml:"orphan_age_hours"`
	UnidentifiedGraceHours int    `toml:"unidentified_grace_hours"`
	AudioRetentionDays     int    `toml:"audio_retention_days"`
	QuietHours             string `toml:"quiet_hours"`
}

// Stitch contains conversation-grouping settings.
type Stitch struct {
	GapSeconds        int `toml:"gap_seconds"`
	SpeakerGapSeconds int `toml:"speaker_gap_seconds"`
}

// Commands contains voice-command dispatcher settings.
type Commands struct {
	Enabled         bool              `toml:"enabled"`
	VerifySpeaker   bool              `toml:"verify_speaker"`
	AllowedSpeakers []string          `toml:"allowed_speakers"`
	GatewayURL      string            `toml:"gateway_url"`
	GatewayToken    string            `toml:"gateway_token"`
	RequestTimeout  int               `toml:"request_timeout"`
	SenderName      string            `toml:"sender_name"`
	Channel         string            `toml:"channel"`
	Recipient       string            `toml:"recipient"`
	SessionUser     string            `toml:"session_user"`
	Triggers        map[string]string `toml:"triggers"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for murmur.
//
// Configuration sections by subsystem:
//   - Paths: pipeline directories, manifest file, API bind address
//   - AssemblyAI: cloud transcription credentials and polling behavior
//   - Pipeline: per-clip duration gates
//   - SpeakerID: local identification, encoder cooldown, retry budget
//   - UnknownSpeakers: clustering, promotion gates, pruning
//   - Orchestrator: poll cadence, grace windows, retention
//   - Commands: trigger detection and gateway dispatch
//   - Logging: log format and level
type Config struct {
	Paths           Paths           `toml:"paths"`
	AssemblyAI      AssemblyAI      `toml:"assemblyai"`
	Pipeline        Pipeline        `toml:"pipeline"`
	SpeakerID       SpeakerID       `toml:"speaker_id"`
	UnknownSpeakers UnknownSpeakers `toml:"unknown_speakers"`
	Orchestrator    Orchestrator    `toml:"orchestrator"`
	Stitch          Stitch          `toml:"stitch"`
	Commands        Commands        `toml:"commands"`
	Logging         Logging         `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/murmur/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized, with environment
// overrides applied on top of file values.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// applyEnvOverrides layers environment values over file values so secrets
// can stay out of the config file.
func applyEnvOverrides(cfg *Config) {
	if key := strings.TrimSpace(os.Getenv("ASSEMBLYAI_API_KEY")); key != "" {
		cfg.AssemblyAI.APIKey = key
	}
	if token := strings.TrimSpace(os.Getenv("MURMUR_GATEWAY_TOKEN")); token != "" {
		cfg.Commands.GatewayToken = token
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("murmur.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.InboxDir,
		c.Paths.DoneDir,
		c.Paths.PlaybackDir,
		c.Paths.ProfilesDir,
		c.Paths.UnknownSpeakersDir,
		c.Paths.CuratorDir,
		c.Paths.LogDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
