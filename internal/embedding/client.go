// Package embedding extracts L2-normalized speaker embedding vectors
// from WAV clips.
//
// The underlying encoder model loads lazily on first use. A failed load
// starts a cooldown window during which calls return ErrNotReady without
// re-attempting, so a broken encoder cannot stall the pipeline.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"murmur/internal/logging"
	"murmur/internal/wavio"
)

var (
	// ErrNotReady means the encoder is unavailable and in cooldown.
	ErrNotReady = errors.New("speaker encoder not ready")
	// ErrTooShort means no audio range met the minimum duration.
	ErrTooShort = errors.New("audio too short for embedding")
)

// Range is a time span within a clip, in seconds.
type Range struct {
	Start float64
	End   float64
}

// Duration returns the span length in seconds.
func (r Range) Duration() float64 { return r.End - r.Start }

// Client wraps an Encoder with lazy loading, cooldown, and audio
// slicing.
type Client struct {
	encoder    Encoder
	retryAfter time.Duration
	minDur     float64
	logger     *slog.Logger

	mu          sync.Mutex
	ready       bool
	lastAttempt time.Time

	now func() time.Time
}

// NewClient builds a Client around encoder. retryAfter is the cooldown
// applied after a failed model load; minDur is the minimum usable range
// duration in seconds.
func NewClient(encoder Encoder, retryAfter time.Duration, minDur float64, logger *slog.Logger) *Client {
	return &Client{
		encoder:    encoder,
		retryAfter: retryAfter,
		minDur:     minDur,
		logger:     logging.NewComponentLogger(logger, "embedding"),
		now:        time.Now,
	}
}

// Ready reports whether the encoder loaded successfully at some point.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// EnsureReady loads the encoder if needed, honouring the cooldown.
// Load attempts are serialized; concurrent callers wait.
func (c *Client) EnsureReady(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}
	if !c.lastAttempt.IsZero() && c.now().Sub(c.lastAttempt) < c.retryAfter {
		return ErrNotReady
	}
	c.lastAttempt = c.now()
	if err := c.encoder.Probe(ctx); err != nil {
		c.logger.Warn("encoder load failed",
			logging.Error(err),
			logging.Duration("retry_after", c.retryAfter),
			logging.String(logging.FieldEventType, "encoder_load_failed"),
		)
		return fmt.Errorf("%w: %s", ErrNotReady, err)
	}
	c.ready = true
	c.lastAttempt = time.Time{}
	c.logger.Info("speaker encoder loaded",
		logging.String(logging.FieldEventType, "encoder_loaded"),
	)
	return nil
}

// Extract embeds the [start, end) span of audioPath. end <= 0 means the
// end of the clip. The result is L2-unit-length.
func (c *Client) Extract(ctx context.Context, audioPath string, start, end float64) ([]float64, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return nil, err
	}
	samples, rate, err := wavio.DecodeMono(audioPath, start, end)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", audioPath, err)
	}
	if float64(len(samples)) < c.minDur*float64(rate) {
		return nil, ErrTooShort
	}
	vector, err := c.encoder.Encode(ctx, samples, rate)
	if err != nil {
		return nil, err
	}
	return Normalize(vector), nil
}

// ExtractMulti embeds up to maxRanges of the longest ranges meeting the
// minimum duration and returns the L2-normalized mean. A single usable
// range returns its embedding as-is.
func (c *Client) ExtractMulti(ctx context.Context, audioPath string, ranges []Range, maxRanges int) ([]float64, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return nil, err
	}
	usable := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Duration() >= c.minDur {
			usable = append(usable, r)
		}
	}
	if len(usable) == 0 {
		return nil, ErrTooShort
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].Duration() > usable[j].Duration() })
	if maxRanges > 0 && len(usable) > maxRanges {
		usable = usable[:maxRanges]
	}

	vectors := make([][]float64, 0, len(usable))
	for _, r := range usable {
		vector, err := c.Extract(ctx, audioPath, r.Start, r.End)
		if err != nil {
			if errors.Is(err, ErrTooShort) {
				continue
			}
			return nil, err
		}
		vectors = append(vectors, vector)
	}
	switch len(vectors) {
	case 0:
		return nil, ErrTooShort
	case 1:
		return vectors[0], nil
	default:
		return Centroid(vectors), nil
	}
}
