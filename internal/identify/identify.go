// Package identify matches diarized transcript speakers against
// enrolled voice profiles and routes unmatched voices into the
// unknown-speaker tracker.
package identify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"murmur/internal/embedding"
	"murmur/internal/logging"
	"murmur/internal/profiles"
	"murmur/internal/transcript"
	"murmur/internal/unknown"
)

// MethodMultiSegment is recorded on every match; embeddings are
// averaged over up to three of the speaker's longest segments.
const MethodMultiSegment = "multi-segment-avg"

const maxExcerptLen = 500

// Options tune the identification pass.
type Options struct {
	Enabled bool
	// MinSegmentDuration is the least total speech (seconds) a diarized
	// label needs before an embedding is attempted.
	MinSegmentDuration float64
	// MaxSegments caps how many of a label's longest segments feed the
	// averaged embedding.
	MaxSegments int
}

// DefaultOptions mirrors the production tuning.
func DefaultOptions() Options {
	return Options{Enabled: true, MinSegmentDuration: 1.0, MaxSegments: 3}
}

// Stats summarizes identification state for the health endpoint.
type Stats struct {
	Enabled           bool     `json:"enabled"`
	EncoderLoaded     bool     `json:"encoder_loaded"`
	EnrolledProfiles  int      `json:"enrolled_profiles"`
	ProfileNames      []string `json:"profile_names"`
	UnknownTracked    int      `json:"unknown_tracked"`
	UnknownSamples    int      `json:"unknown_samples"`
	PendingCandidates int      `json:"pending_candidates"`
}

// Identifier runs speaker identification over transcripts.
type Identifier struct {
	opts     Options
	client   *embedding.Client
	profiles *profiles.Store
	tracker  *unknown.Tracker
	logger   *slog.Logger

	now func() time.Time
}

// New builds an Identifier.
func New(opts Options, client *embedding.Client, store *profiles.Store, tracker *unknown.Tracker, logger *slog.Logger) *Identifier {
	if opts.MaxSegments <= 0 {
		opts.MaxSegments = 3
	}
	return &Identifier{
		opts:     opts,
		client:   client,
		profiles: store,
		tracker:  tracker,
		logger:   logging.NewComponentLogger(logger, "identify"),
		now:      time.Now,
	}
}

// Enabled reports whether identification is configured on.
func (id *Identifier) Enabled() bool { return id.opts.Enabled }

// IdentifyAll identifies every diarized speaker in tr, stamping
// speaker_name onto matched segments and writing the
// speaker_identification block. It mutates tr in place and sets the
// pipeline status: complete on success, complete_no_speaker_id when
// identification is disabled, speaker_id_failed when the encoder is
// unavailable.
func (id *Identifier) IdentifyAll(ctx context.Context, audioPath string, tr *transcript.Transcript) error {
	if !id.opts.Enabled {
		id.logger.Info("speaker identification disabled")
		tr.PipelineStatus = transcript.StatusCompleteNoSpeakers
		return nil
	}

	if err := id.client.EnsureReady(ctx); err != nil {
		id.logger.Warn("speaker encoder not available, skipping identification",
			logging.Error(err))
		tr.PipelineStatus = transcript.StatusSpeakerIDFailed
		tr.SpeakerIDError = "encoder_not_available"
		return nil
	}

	byLabel := groupByLabel(tr.Segments)
	if len(byLabel) == 0 {
		id.logger.Info("no speaker labels in transcript, skipping identification",
			logging.String(logging.FieldClip, tr.File))
		return nil
	}

	enrolled, err := id.profiles.Load(false)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	identified := make(map[string]transcript.Match)
	labels := sortedLabels(byLabel)
	for _, label := range labels {
		segs := byLabel[label]
		ranges := segmentRanges(segs)
		total := 0.0
		for _, r := range ranges {
			if r.End > r.Start {
				total += r.Duration()
			}
		}
		if total < id.opts.MinSegmentDuration {
			id.logger.Debug("label below duration floor",
				logging.String("label", label),
				logging.Float64("duration", total))
			continue
		}

		vector, err := id.client.ExtractMulti(ctx, audioPath, ranges, id.opts.MaxSegments)
		if err != nil {
			id.logger.Debug("embedding extraction failed",
				logging.String("label", label),
				logging.Error(err))
			continue
		}

		name, dist := matchProfile(vector, enrolled)
		if name != "" {
			id.logger.Info("speaker identified",
				logging.String("label", label),
				logging.String(logging.FieldSpeaker, name),
				logging.Float64("distance", embedding.Round4(dist)),
				logging.String(logging.FieldEventType, "speaker_identified"),
			)
			identified[label] = transcript.Match{
				Name:     name,
				Distance: embedding.Round4(dist),
				Method:   MethodMultiSegment,
			}
			continue
		}

		id.logNearMiss(label, vector, enrolled, total)
		id.trackUnknown(label, vector, segs, tr.File)
	}

	if len(identified) > 0 {
		for i := range tr.Segments {
			if match, ok := identified[tr.Segments[i].Speaker]; ok {
				tr.Segments[i].SpeakerName = match.Name
			}
		}
	}

	var unidentified []string
	for _, label := range labels {
		if _, ok := identified[label]; !ok {
			unidentified = append(unidentified, label)
		}
	}
	tr.SpeakerID = &transcript.Identification{
		Identified:      identified,
		Unidentified:    unidentified,
		ProfilesChecked: len(enrolled),
		Timestamp:       id.now().UTC().Format(time.RFC3339),
	}
	tr.PipelineStatus = transcript.StatusComplete
	return nil
}

// Verify returns the set of enrolled speaker names present in the
// audio. With diarized segments each label is verified separately and
// matched segments get speaker_name stamped; without them the whole
// file is treated as one voice. An empty set blocks voice commands.
func (id *Identifier) Verify(ctx context.Context, audioPath string, segments []transcript.Segment) (map[string]bool, error) {
	enrolled, err := id.profiles.Load(false)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	if len(enrolled) == 0 {
		id.logger.Warn("no profiles enrolled, blocking voice commands")
		return map[string]bool{}, nil
	}
	if err := id.client.EnsureReady(ctx); err != nil {
		id.logger.Error("speaker encoder unavailable, blocking voice commands",
			logging.Error(err))
		return map[string]bool{}, nil
	}

	verified := make(map[string]bool)
	byLabel := groupIndexesByLabel(segments)
	if len(byLabel) == 0 {
		vector, err := id.client.Extract(ctx, audioPath, 0, 0)
		if err != nil {
			return verified, nil
		}
		if name, dist := matchProfile(vector, enrolled); name != "" {
			id.logger.Info("speaker verified from whole file",
				logging.String(logging.FieldSpeaker, name),
				logging.Float64("distance", embedding.Round4(dist)))
			verified[name] = true
		}
		return verified, nil
	}

	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		idxs := byLabel[label]
		ranges := make([]embedding.Range, 0, len(idxs))
		total := 0.0
		for _, i := range idxs {
			r := embedding.Range{Start: segments[i].Start, End: segments[i].End}
			ranges = append(ranges, r)
			total += r.Duration()
		}
		if total < 1.0 {
			continue
		}
		vector, err := id.client.ExtractMulti(ctx, audioPath, ranges, id.opts.MaxSegments)
		if err != nil {
			continue
		}
		name, dist := matchProfile(vector, enrolled)
		if name == "" {
			id.logger.Info("speaker not verified",
				logging.String("label", label),
				logging.Float64("best_distance", embedding.Round4(dist)))
			continue
		}
		id.logger.Info("speaker verified",
			logging.String("label", label),
			logging.String(logging.FieldSpeaker, name),
			logging.Float64("distance", embedding.Round4(dist)))
		verified[name] = true
		for _, i := range idxs {
			segments[i].SpeakerName = name
		}
	}
	return verified, nil
}

// Stats reports identification health counters.
func (id *Identifier) Stats() Stats {
	stats := Stats{
		Enabled:       id.opts.Enabled,
		EncoderLoaded: id.client.Ready(),
	}
	if enrolled, err := id.profiles.Load(false); err == nil {
		stats.EnrolledProfiles = len(enrolled)
		for name := range enrolled {
			stats.ProfileNames = append(stats.ProfileNames, name)
		}
		sort.Strings(stats.ProfileNames)
	}
	if trackerStats, err := id.tracker.Stats(); err == nil {
		stats.UnknownTracked = trackerStats.TrackedSpeakers
		stats.UnknownSamples = trackerStats.TotalSamples
		stats.PendingCandidates = trackerStats.PendingCandidates
	}
	return stats
}

func (id *Identifier) logNearMiss(label string, vector []float64, enrolled map[string]*profiles.Profile, total float64) {
	closestName := ""
	closestDist := math.Inf(1)
	closestThreshold := 0.5
	for name, profile := range enrolled {
		for _, candidate := range profile.Embeddings {
			if d := embedding.CosineDistance(vector, candidate); d < closestDist {
				closestDist = d
				closestName = name
				closestThreshold = profile.Threshold
			}
		}
	}
	id.logger.Info("no profile match",
		logging.String("label", label),
		logging.String("closest_profile", closestName),
		logging.Float64("distance", embedding.Round4(closestDist)),
		logging.Float64("threshold", closestThreshold),
		logging.Float64("gap", embedding.Round4(closestDist-closestThreshold)),
		logging.Float64("duration", total),
	)
}

// trackUnknown files the embedding under a stable cluster ID: an
// existing cluster when one is within radius, otherwise a fresh ID
// derived from the diarized label and a hash of the clip name.
func (id *Identifier) trackUnknown(label string, vector []float64, segs []transcript.Segment, clipName string) {
	clusterID, err := id.tracker.FindCluster(vector)
	if err != nil {
		id.logger.Warn("cluster lookup failed", logging.Error(err))
	}
	if clusterID == "" {
		clusterID = StableUnknownID(label, clipName)
	}

	var parts []string
	for _, seg := range segs {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	excerpt := strings.Join(parts, " ")
	if len(excerpt) > maxExcerptLen {
		excerpt = excerpt[:maxExcerptLen]
	}

	ts := id.now().UTC().Format(time.RFC3339)
	if err := id.tracker.AddSample(clusterID, vector, excerpt, clipName, ts); err != nil {
		id.logger.Warn("failed to record unknown speaker sample",
			logging.String("cluster", clusterID),
			logging.Error(err))
		return
	}
	id.logger.Info("tracked unknown speaker",
		logging.String("label", label),
		logging.String("cluster", clusterID),
	)
}

// StableUnknownID derives a deterministic cluster ID from the diarized
// label and clip name, so re-running identification on the same clip
// lands in the same cluster.
func StableUnknownID(label, clipName string) string {
	sum := sha256.Sum256([]byte(clipName))
	n, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 64)
	return fmt.Sprintf("unknown_%s_%05d", label, n%100000)
}

// matchProfile finds the enrolled embedding closest to vector across
// all profiles. A match requires the best distance to clear the best
// profile's own threshold.
func matchProfile(vector []float64, enrolled map[string]*profiles.Profile) (string, float64) {
	bestName := ""
	bestDist := math.Inf(1)
	bestThreshold := 0.5
	for name, profile := range enrolled {
		for _, candidate := range profile.Embeddings {
			if d := embedding.CosineDistance(vector, candidate); d < bestDist {
				bestDist = d
				bestName = name
				bestThreshold = profile.Threshold
			}
		}
	}
	if bestName != "" && bestDist < bestThreshold {
		return bestName, bestDist
	}
	return "", bestDist
}

func groupByLabel(segments []transcript.Segment) map[string][]transcript.Segment {
	byLabel := make(map[string][]transcript.Segment)
	for _, seg := range segments {
		if seg.Speaker == "" {
			continue
		}
		byLabel[seg.Speaker] = append(byLabel[seg.Speaker], seg)
	}
	return byLabel
}

func groupIndexesByLabel(segments []transcript.Segment) map[string][]int {
	byLabel := make(map[string][]int)
	for i, seg := range segments {
		if seg.Speaker == "" {
			continue
		}
		byLabel[seg.Speaker] = append(byLabel[seg.Speaker], i)
	}
	return byLabel
}

func sortedLabels(byLabel map[string][]transcript.Segment) []string {
	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func segmentRanges(segs []transcript.Segment) []embedding.Range {
	ranges := make([]embedding.Range, 0, len(segs))
	for _, seg := range segs {
		ranges = append(ranges, embedding.Range{Start: seg.Start, End: seg.End})
	}
	return ranges
}
