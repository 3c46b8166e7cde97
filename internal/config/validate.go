package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateAssemblyAI(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateSpeakerID(); err != nil {
		return err
	}
	if err := c.validateUnknownSpeakers(); err != nil {
		return err
	}
	if err := c.validateOrchestrator(); err != nil {
		return err
	}
	if err := c.validateCommands(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.InboxDir == c.Paths.PlaybackDir {
		return errors.New("paths.inbox_dir and paths.playback_dir must differ")
	}
	if c.Paths.InboxDir == c.Paths.DoneDir {
		return errors.New("paths.inbox_dir and paths.done_dir must differ")
	}
	return nil
}

func (c *Config) validateAssemblyAI() error {
	if c.AssemblyAI.APIKey == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/murmur/config.toml"
		}
		return fmt.Errorf("assemblyai.api_key is required. Set ASSEMBLYAI_API_KEY env var or edit %s (create with 'murmur config init')", defaultPath)
	}
	if err := ensurePositiveMap(map[string]int{
		"assemblyai.max_speakers":     c.AssemblyAI.MaxSpeakers,
		"assemblyai.poll_interval":    c.AssemblyAI.PollInterval,
		"assemblyai.poll_timeout":     c.AssemblyAI.PollTimeout,
		"assemblyai.max_retries":      c.AssemblyAI.MaxRetries,
		"assemblyai.retry_base_delay": c.AssemblyAI.RetryBaseDelay,
	}); err != nil {
		return err
	}
	if c.AssemblyAI.PollTimeout <= c.AssemblyAI.PollInterval {
		return errors.New("assemblyai.poll_timeout must be greater than assemblyai.poll_interval")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.MinTranscribeSeconds < 0 {
		return errors.New("pipeline.min_transcribe_seconds must not be negative")
	}
	if c.Pipeline.MinPlaybackDuration < 0 {
		return errors.New("pipeline.min_playback_duration must not be negative")
	}
	return nil
}

func (c *Config) validateSpeakerID() error {
	if err := ensurePositiveMap(map[string]int{
		"speaker_id.encoder_retry_seconds": c.SpeakerID.EncoderRetrySeconds,
		"speaker_id.retry_interval":        c.SpeakerID.RetryInterval,
		"speaker_id.max_retries":           c.SpeakerID.MaxRetries,
		"speaker_id.max_wait_hours":        c.SpeakerID.MaxWaitHours,
	}); err != nil {
		return err
	}
	if c.SpeakerID.RetryWarmup < 0 {
		return errors.New("speaker_id.retry_warmup must not be negative")
	}
	if c.SpeakerID.MinSegmentDuration <= 0 {
		return errors.New("speaker_id.min_segment_duration must be positive")
	}
	return nil
}

func (c *Config) validateUnknownSpeakers() error {
	if err := ensurePositiveMap(map[string]int{
		"unknown_speakers.promote_min_samples": c.UnknownSpeakers.PromoteMinSamples,
		"unknown_speakers.prune_min_samples":   c.UnknownSpeakers.PruneMinSamples,
		"unknown_speakers.prune_max_age_days":  c.UnknownSpeakers.PruneMaxAgeDays,
		"unknown_speakers.prune_every_cycles":  c.UnknownSpeakers.PruneEveryCycles,
	}); err != nil {
		return err
	}
	if c.UnknownSpeakers.MaxVariance <= 0 {
		return errors.New("unknown_speakers.max_variance must be positive")
	}
	if c.UnknownSpeakers.MaxConsistency <= 0 || c.UnknownSpeakers.MaxConsistency > 1 {
		return errors.New("unknown_speakers.max_consistency must be in (0, 1]")
	}
	if c.UnknownSpeakers.ClusterRadius <= 0 || c.UnknownSpeakers.ClusterRadius > 1 {
		return errors.New("unknown_speakers.cluster_radius must be in (0, 1]")
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	if err := ensurePositiveMap(map[string]int{
		"orchestrator.poll_interval":            c.Orchestrator.PollInterval,
		"orchestrator.orphan_age_hours":         c.Orchestrator.OrphanAgeHours,
		"orchestrator.unidentified_grace_hours": c.Orchestrator.UnidentifiedGraceHours,
		"orchestrator.audio_retention_days":     c.Orchestrator.AudioRetentionDays,
	}); err != nil {
		return err
	}
	if c.Orchestrator.QuietHours != "" {
		if _, _, err := ParseQuietHours(c.Orchestrator.QuietHours); err != nil {
			return fmt.Errorf("orchestrator.quiet_hours: %w", err)
		}
	}
	return nil
}

func (c *Config) validateCommands() error {
	if !c.Commands.Enabled {
		return nil
	}
	if c.Commands.RequestTimeout <= 0 {
		return errors.New("commands.request_timeout must be positive")
	}
	if c.Commands.GatewayURL != "" && c.Commands.GatewayToken == "" {
		return errors.New("commands.gateway_token must be set when commands.gateway_url is set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}

// ParseQuietHours parses an "HH-HH" window (inclusive start, exclusive end,
// local time, possibly wrapping midnight) into start and end hours.
func ParseQuietHours(value string) (start, end int, err error) {
	parts := strings.SplitN(strings.TrimSpace(value), "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH-HH, got %q", value)
	}
	start, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("start hour: %w", err)
	}
	end, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("end hour: %w", err)
	}
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return 0, 0, fmt.Errorf("hours must be in [0, 23], got %q", value)
	}
	return start, end, nil
}

// QuietHoursActive reports whether the given hour falls inside the configured
// quiet window. An empty window is never active.
func (c *Config) QuietHoursActive(hour int) bool {
	if c.Orchestrator.QuietHours == "" {
		return false
	}
	start, end, err := ParseQuietHours(c.Orchestrator.QuietHours)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func ensurePositiveMap(values map[string]int) error {
	for name, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
