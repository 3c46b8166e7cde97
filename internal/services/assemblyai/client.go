// Package assemblyai wraps the AssemblyAI v2 transcription API:
// upload, submission with speaker diarization, and completion polling,
// plus normalization of the response into the pipeline's transcript
// format.
package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"murmur/internal/config"
	"murmur/internal/logging"
)

const defaultHTTPTimeout = 2 * time.Minute

// ErrNoAPIKey is returned when the client is used without a key.
var ErrNoAPIKey = errors.New("assemblyai: api key not configured")

// APIError is a non-retryable HTTP failure from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assemblyai: http %d: %s", e.StatusCode, e.Body)
}

// Client talks to the AssemblyAI v2 API.
type Client struct {
	apiKey            string
	baseURL           string
	maxSpeakers       int
	languageDetection bool
	pollInterval      time.Duration
	pollTimeout       time.Duration
	maxRetries        int
	retryBaseDelay    time.Duration

	httpClient *http.Client
	logger     *slog.Logger
	jobs       *jobTable

	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a client from the assemblyai config section.
func NewClient(cfg config.AssemblyAI, logger *slog.Logger, opts ...Option) *Client {
	client := &Client{
		apiKey:            strings.TrimSpace(cfg.APIKey),
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		maxSpeakers:       cfg.MaxSpeakers,
		languageDetection: cfg.LanguageDetection,
		pollInterval:      time.Duration(cfg.PollInterval) * time.Second,
		pollTimeout:       time.Duration(cfg.PollTimeout) * time.Second,
		maxRetries:        cfg.MaxRetries,
		retryBaseDelay:    time.Duration(cfg.RetryBaseDelay) * time.Second,
		httpClient:        &http.Client{Timeout: defaultHTTPTimeout},
		logger:            logging.NewComponentLogger(logger, "assemblyai"),
		jobs:              newJobTable(),
		sleep:             sleepCtx,
	}
	if client.maxRetries <= 0 {
		client.maxRetries = 3
	}
	if client.retryBaseDelay <= 0 {
		client.retryBaseDelay = 5 * time.Second
	}
	if client.pollInterval <= 0 {
		client.pollInterval = 5 * time.Second
	}
	if client.pollTimeout <= 0 {
		client.pollTimeout = 30 * time.Minute
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.apiKey != "" }

// ListActive returns a snapshot of in-flight transcription jobs.
func (c *Client) ListActive() []Job { return c.jobs.list() }

// Transcribe runs the full upload, submit, poll sequence for wavPath
// and returns the raw API response on completion.
func (c *Client) Transcribe(ctx context.Context, wavPath string) (*Response, error) {
	if !c.Configured() {
		return nil, ErrNoAPIKey
	}

	uploadURL, err := c.Upload(ctx, wavPath)
	if err != nil {
		return nil, err
	}
	transcriptID, err := c.Submit(ctx, uploadURL)
	if err != nil {
		return nil, err
	}

	c.jobs.add(transcriptID, filepathBase(wavPath))
	defer c.jobs.remove(transcriptID)

	return c.Poll(ctx, transcriptID)
}

// Upload sends the WAV bytes to the upload endpoint and returns the
// temporary audio URL for submission.
func (c *Client) Upload(ctx context.Context, wavPath string) (string, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	c.logger.Info("uploading audio",
		logging.String(logging.FieldClip, filepathBase(wavPath)),
		logging.Int64("bytes", int64(len(data))),
	)

	var result struct {
		UploadURL string `json:"upload_url"`
	}
	if err := c.request(ctx, http.MethodPost, "/upload", data, "application/octet-stream", &result); err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	if result.UploadURL == "" {
		return "", errors.New("assemblyai: upload returned no url")
	}
	return result.UploadURL, nil
}

// Submit requests transcription with diarization for an uploaded file
// and returns the transcript ID.
func (c *Client) Submit(ctx context.Context, audioURL string) (string, error) {
	payload := map[string]any{
		"audio_url":          audioURL,
		"speech_models":      []string{"universal-2"},
		"speaker_labels":     true,
		"language_detection": c.languageDetection,
	}
	if c.maxSpeakers > 0 {
		payload["speakers_expected"] = c.maxSpeakers
	} else {
		payload["speakers_expected"] = nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode submission: %w", err)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := c.request(ctx, http.MethodPost, "/transcript", body, "application/json", &result); err != nil {
		return "", fmt.Errorf("submit transcription: %w", err)
	}
	if result.ID == "" {
		return "", errors.New("assemblyai: submission returned no id")
	}
	c.logger.Info("transcription submitted", logging.String("transcript_id", result.ID))
	return result.ID, nil
}

// Poll waits for a submitted transcript to complete, checking every
// poll interval up to the poll timeout.
func (c *Client) Poll(ctx context.Context, transcriptID string) (*Response, error) {
	deadline := time.Now().Add(c.pollTimeout)
	for time.Now().Before(deadline) {
		var result Response
		if err := c.request(ctx, http.MethodGet, "/transcript/"+transcriptID, nil, "", &result); err != nil {
			return nil, fmt.Errorf("poll transcript: %w", err)
		}
		switch result.Status {
		case "completed":
			c.logger.Info("transcription completed",
				logging.String("transcript_id", transcriptID),
				logging.Float64("audio_duration", result.AudioDuration),
			)
			return &result, nil
		case "error":
			msg := result.Error
			if msg == "" {
				msg = "unknown error"
			}
			return nil, fmt.Errorf("assemblyai: transcription failed: %s", msg)
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("assemblyai: transcription timed out after %s: %s", c.pollTimeout, transcriptID)
}

// request performs one authenticated API call with retry. HTTP 429 and
// 5xx responses and transport errors retry with exponential backoff;
// other 4xx responses fail immediately.
func (c *Client) request(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBaseDelay << (attempt - 1)
			c.logger.Warn("retrying api request",
				logging.String("path", path),
				logging.Int("attempt", attempt+1),
				logging.Duration("delay", delay),
				logging.Error(lastErr),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", c.apiKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
			continue
		}
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		}
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("assemblyai: request failed after %d attempts: %w", c.maxRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
