package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAssemblyAI()
	c.normalizePipeline()
	c.normalizeSpeakerID()
	c.normalizeUnknownSpeakers()
	c.normalizeOrchestrator()
	c.normalizeCommands()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		name  string
		value *string
	}{
		{"paths.inbox_dir", &c.Paths.InboxDir},
		{"paths.done_dir", &c.Paths.DoneDir},
		{"paths.playback_dir", &c.Paths.PlaybackDir},
		{"paths.profiles_dir", &c.Paths.ProfilesDir},
		{"paths.unknown_speakers_dir", &c.Paths.UnknownSpeakersDir},
		{"paths.curator_dir", &c.Paths.CuratorDir},
		{"paths.log_dir", &c.Paths.LogDir},
		{"paths.jobs_file", &c.Paths.JobsFile},
		{"paths.lock_file", &c.Paths.LockFile},
	}
	for _, field := range fields {
		expanded, err := expandPath(*field.value)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = expanded
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeAssemblyAI() {
	if c.AssemblyAI.APIKey == "" {
		if value, ok := os.LookupEnv("ASSEMBLYAI_API_KEY"); ok {
			c.AssemblyAI.APIKey = strings.TrimSpace(value)
		}
	}
	c.AssemblyAI.BaseURL = strings.TrimRight(strings.TrimSpace(c.AssemblyAI.BaseURL), "/")
	if c.AssemblyAI.BaseURL == "" {
		c.AssemblyAI.BaseURL = defaultAssemblyAIBaseURL
	}
	envInt("ASSEMBLYAI_MAX_SPEAKERS", &c.AssemblyAI.MaxSpeakers)
}

func (c *Config) normalizePipeline() {
	envFloat("MIN_TRANSCRIBE_SECONDS", &c.Pipeline.MinTranscribeSeconds)
	envFloat("MIN_PLAYBACK_DURATION", &c.Pipeline.MinPlaybackDuration)
}

func (c *Config) normalizeSpeakerID() {
	envBool("SPEAKER_ID_ENABLED", &c.SpeakerID.Enabled)
	envInt("SPEAKER_ENCODER_RETRY_SECONDS", &c.SpeakerID.EncoderRetrySeconds)
	envInt("SPEAKER_ID_RETRY_INTERVAL", &c.SpeakerID.RetryInterval)
	envInt("SPEAKER_ID_MAX_WAIT_HOURS", &c.SpeakerID.MaxWaitHours)
}

func (c *Config) normalizeUnknownSpeakers() {
	envFloat("UNKNOWN_SPEAKER_MAX_VARIANCE", &c.UnknownSpeakers.MaxVariance)
	envInt("UNKNOWN_SPEAKER_MIN_SAMPLES", &c.UnknownSpeakers.PruneMinSamples)
	envInt("UNKNOWN_SPEAKER_MAX_AGE_DAYS", &c.UnknownSpeakers.PruneMaxAgeDays)
}

func (c *Config) normalizeOrchestrator() {
	envInt("ORCHESTRATOR_POLL_INTERVAL", &c.Orchestrator.PollInterval)
	envInt("ORPHAN_AGE_HOURS", &c.Orchestrator.OrphanAgeHours)
	envInt("UNIDENTIFIED_GRACE_HOURS", &c.Orchestrator.UnidentifiedGraceHours)
	envInt("AUDIO_RETENTION_DAYS", &c.Orchestrator.AudioRetentionDays)
	if value, ok := os.LookupEnv("QUIET_HOURS"); ok {
		c.Orchestrator.QuietHours = strings.TrimSpace(value)
	}
	c.Orchestrator.QuietHours = strings.TrimSpace(c.Orchestrator.QuietHours)
}

func (c *Config) normalizeCommands() {
	envBool("VERIFY_SPEAKER", &c.Commands.VerifySpeaker)
	if value, ok := os.LookupEnv("VOICE_COMMAND_ALLOWED_SPEAKERS"); ok {
		c.Commands.AllowedSpeakers = splitCSV(value)
	}
	if c.Commands.GatewayToken == "" {
		if value, ok := os.LookupEnv("VOICE_GATEWAY_TOKEN"); ok {
			c.Commands.GatewayToken = strings.TrimSpace(value)
		}
	}
	c.Commands.GatewayURL = strings.TrimRight(strings.TrimSpace(c.Commands.GatewayURL), "/")
	normalized := make([]string, 0, len(c.Commands.AllowedSpeakers))
	for _, name := range c.Commands.AllowedSpeakers {
		trimmed := strings.ToLower(strings.TrimSpace(name))
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	c.Commands.AllowedSpeakers = normalized
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(name string, target *int) {
	if value, ok := os.LookupEnv(name); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func envFloat(name string, target *float64) {
	if value, ok := os.LookupEnv(name); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			*target = parsed
		}
	}
}

func envBool(name string, target *bool) {
	if value, ok := os.LookupEnv(name); ok {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "on":
			*target = true
		case "0", "false", "no", "off":
			*target = false
		}
	}
}
