// Package commands detects agent-directed voice commands in finished
// transcripts and forwards them to the gateway hooks API. Every layer
// is a policy gate: unverified audio, unauthorized speakers, and
// triggerless segments all drop silently apart from a log line.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"murmur/internal/config"
	"murmur/internal/logging"
	"murmur/internal/transcript"
)

// HooksPath is the gateway endpoint commands are posted to.
const HooksPath = "/hooks/agent"

// Verifier re-checks which enrolled speakers are present in a clip.
type Verifier interface {
	Verify(ctx context.Context, audioPath string, segments []transcript.Segment) (map[string]bool, error)
}

// Command is one detected agent instruction.
type Command struct {
	AgentID string
	Text    string
	Speaker string
}

// Counters reports dispatcher activity for the health endpoint.
type Counters struct {
	Dispatched          int    `json:"commands_dispatched"`
	BlockedSpeaker      int    `json:"commands_blocked_speaker"`
	BlockedUnauthorized int    `json:"commands_blocked_unauthorized"`
	Failed              int    `json:"commands_failed"`
	LastDispatchedAt    string `json:"last_command_dispatched,omitempty"`
}

type envelope struct {
	Message    string `json:"message"`
	Name       string `json:"name"`
	AgentID    string `json:"agentId"`
	Channel    string `json:"channel"`
	To         string `json:"to"`
	Deliver    bool   `json:"deliver"`
	SessionKey string `json:"sessionKey"`
}

// Dispatcher runs detection and gateway delivery.
type Dispatcher struct {
	cfg      config.Commands
	registry *Registry
	verifier Verifier

	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	counters Counters
}

// NewDispatcher builds a dispatcher. verifier may be nil when speaker
// verification is disabled.
func NewDispatcher(cfg config.Commands, verifier Verifier, logger *slog.Logger) *Dispatcher {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:        cfg,
		registry:   NewRegistry(cfg.Triggers),
		verifier:   verifier,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger(logger, "commands"),
	}
}

// Counters returns a snapshot of dispatch activity.
func (d *Dispatcher) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}

// HandleTranscript is the pipeline post-hook: detect commands in the
// finished transcript and dispatch each one.
func (d *Dispatcher) HandleTranscript(ctx context.Context, segments []transcript.Segment, audioPath string) {
	if !d.cfg.Enabled || len(segments) == 0 {
		return
	}
	for _, cmd := range d.Detect(ctx, segments, audioPath) {
		if err := d.Dispatch(ctx, cmd); err != nil {
			d.logger.Error("command dispatch failed",
				logging.String(logging.FieldAgent, cmd.AgentID),
				logging.Error(err))
			d.mu.Lock()
			d.counters.Failed++
			d.mu.Unlock()
		}
	}
}

// Detect scans segments for agent commands, applying the verification,
// verified-segment, and allow-list gates in order.
func (d *Dispatcher) Detect(ctx context.Context, segments []transcript.Segment, audioPath string) []Command {
	hasVerified := false
	if d.cfg.VerifySpeaker && audioPath != "" && d.verifier != nil {
		verified, err := d.verifier.Verify(ctx, audioPath, segments)
		if err != nil || len(verified) == 0 {
			d.logger.Warn("no enrolled speaker detected, dropping all voice commands",
				logging.Error(err))
			d.mu.Lock()
			d.counters.BlockedSpeaker++
			d.mu.Unlock()
			return nil
		}
		for _, seg := range segments {
			if seg.SpeakerName != "" {
				hasVerified = true
				break
			}
		}
	}

	allowed := make(map[string]bool, len(d.cfg.AllowedSpeakers))
	for _, name := range d.cfg.AllowedSpeakers {
		allowed[strings.ToLower(name)] = true
	}

	var detected []Command
	for _, seg := range segments {
		if hasVerified && seg.SpeakerName == "" {
			continue
		}
		speaker := seg.SpeakerName
		if speaker == "" {
			speaker = "unknown"
		}
		text := strings.TrimSpace(seg.Text)
		if len(allowed) > 0 && !allowed[strings.ToLower(speaker)] {
			if text != "" {
				d.logger.Info("blocked voice command from unauthorized speaker",
					logging.String(logging.FieldSpeaker, speaker))
				d.mu.Lock()
				d.counters.BlockedUnauthorized++
				d.mu.Unlock()
			}
			continue
		}
		if text == "" {
			continue
		}
		agentID, command, ok := d.registry.Match(text)
		if !ok {
			continue
		}
		d.logger.Info("voice command detected",
			logging.String(logging.FieldAgent, agentID),
			logging.String(logging.FieldSpeaker, speaker))
		detected = append(detected, Command{AgentID: agentID, Text: command, Speaker: speaker})
	}
	return detected
}

// Dispatch posts one command to the gateway hooks API.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) error {
	if d.cfg.GatewayToken == "" {
		d.logger.Warn("skipping dispatch, no gateway token configured",
			logging.String(logging.FieldAgent, cmd.AgentID))
		return nil
	}

	payload := envelope{
		Message:    cmd.Text,
		Name:       d.cfg.SenderName,
		AgentID:    cmd.AgentID,
		Channel:    d.cfg.Channel,
		To:         d.cfg.Recipient,
		Deliver:    true,
		SessionKey: fmt.Sprintf("voice:%s:%s", cmd.AgentID, d.cfg.SessionUser),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	url := strings.TrimRight(d.cfg.GatewayURL, "/") + HooksPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.cfg.GatewayToken)
	req.Header.Set("X-Request-Id", requestID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		RunID string `json:"runId"`
	}
	_ = json.Unmarshal(respBody, &result)

	d.mu.Lock()
	d.counters.Dispatched++
	d.counters.LastDispatchedAt = time.Now().UTC().Format(time.RFC3339)
	d.mu.Unlock()

	d.logger.Info("command dispatched",
		logging.String(logging.FieldAgent, cmd.AgentID),
		logging.String(logging.FieldRequestID, requestID),
		logging.String("run_id", result.RunID),
	)
	return nil
}
