// Package unknown clusters embeddings of unidentified voices and
// promotes quality-gated clusters to candidate profiles for operator
// review.
//
// State lives on disk under the unknown-speakers directory:
//
//	embeddings/<cluster_id>/<sample>.npy + .json   accumulated samples
//	candidates/<cluster_id>.json                   awaiting review
//
// Approved candidates become voice profiles; rejected ones keep their
// candidate file as a trail so the cluster is never promoted again.
package unknown

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"murmur/internal/embedding"
	"murmur/internal/fileutil"
	"murmur/internal/logging"
	"murmur/internal/profiles"
)

// Candidate statuses.
const (
	StatusPendingReview = "pending_review"
	StatusApproved      = "approved"
	StatusRejected      = "rejected"
)

// ErrNoCandidate is returned when a cluster has no candidate file.
var ErrNoCandidate = errors.New("no candidate for cluster")

// Options tune clustering and promotion.
type Options struct {
	PromoteMinSamples int
	MaxVariance       float64
	MaxConsistency    float64
	ClusterRadius     float64
	PruneMinSamples   int
	PruneMaxAgeDays   int
}

// DefaultOptions mirrors the production tuning.
func DefaultOptions() Options {
	return Options{
		PromoteMinSamples: 10,
		MaxVariance:       20.0,
		MaxConsistency:    0.15,
		ClusterRadius:     0.20,
		PruneMinSamples:   3,
		PruneMaxAgeDays:   30,
	}
}

// SampleMeta is the per-sample metadata JSON next to each .npy file.
type SampleMeta struct {
	Timestamp  string `json:"timestamp"`
	Transcript string `json:"transcript"`
	SourceFile string `json:"source_file"`
	SpeakerID  string `json:"speaker_id"`
}

// Candidate is a promoted cluster awaiting review.
type Candidate struct {
	SpeakerID       string       `json:"speaker_id"`
	CreatedAt       string       `json:"created_at"`
	NumSamples      int          `json:"num_samples"`
	AvgEmbedding    []float64    `json:"avg_embedding"`
	Variance        float64      `json:"variance"`
	SelfConsistency *float64     `json:"self_consistency"`
	AutoThreshold   float64      `json:"auto_threshold"`
	SampleMetadata  []SampleMeta `json:"sample_metadata"`
	Status          string       `json:"status"`
	SuggestedName   string       `json:"suggested_name,omitempty"`
	RejectedAt      string       `json:"rejected_at,omitempty"`
}

// Stats summarizes tracker state for the health endpoint.
type Stats struct {
	TrackedSpeakers   int `json:"tracked_speakers"`
	TotalSamples      int `json:"total_samples"`
	PendingCandidates int `json:"pending_candidates"`
}

// Tracker accumulates unknown-voice samples and manages candidates.
type Tracker struct {
	baseDir  string
	opts     Options
	logger   *slog.Logger
	profiles *profiles.Store

	now func() time.Time
}

// NewTracker builds a tracker rooted at baseDir. The profile store
// receives approved candidates.
func NewTracker(baseDir string, opts Options, store *profiles.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		baseDir:  baseDir,
		opts:     opts,
		logger:   logging.NewComponentLogger(logger, "unknown"),
		profiles: store,
		now:      time.Now,
	}
}

func (t *Tracker) embeddingsDir() string { return filepath.Join(t.baseDir, "embeddings") }
func (t *Tracker) candidatesDir() string { return filepath.Join(t.baseDir, "candidates") }

func (t *Tracker) clusterDir(clusterID string) string {
	return filepath.Join(t.embeddingsDir(), clusterID)
}

func (t *Tracker) candidatePath(clusterID string) string {
	return filepath.Join(t.candidatesDir(), clusterID+".json")
}

// AddSample appends an embedding to the cluster and promotes it when
// the quality gates pass.
func (t *Tracker) AddSample(clusterID string, vector []float64, transcriptText, sourceFile, timestamp string) error {
	dir := t.clusterDir(clusterID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cluster directory: %w", err)
	}

	sampleID := t.now().UTC().Format("20060102-150405.000000")
	sampleID = strings.ReplaceAll(sampleID, ".", "-")

	if err := embedding.WriteNpy(filepath.Join(dir, sampleID+".npy"), vector); err != nil {
		return fmt.Errorf("write sample embedding: %w", err)
	}
	meta := SampleMeta{
		Timestamp:  timestamp,
		Transcript: transcriptText,
		SourceFile: sourceFile,
		SpeakerID:  clusterID,
	}
	if meta.Timestamp == "" {
		meta.Timestamp = t.now().UTC().Format(time.RFC3339)
	}
	if err := fileutil.WriteJSONAtomic(filepath.Join(dir, sampleID+".json"), meta); err != nil {
		return fmt.Errorf("write sample metadata: %w", err)
	}

	return t.maybePromote(clusterID)
}

// FindCluster returns the nearest existing cluster whose centroid (over
// its 5 most-recent samples) is within the configured radius, or "".
func (t *Tracker) FindCluster(vector []float64) (string, error) {
	entries, err := os.ReadDir(t.embeddingsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	bestID := ""
	bestDist := t.opts.ClusterRadius
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		vectors, err := t.recentEmbeddings(entry.Name(), 5)
		if err != nil || len(vectors) == 0 {
			continue
		}
		dist := embedding.CosineDistance(vector, embedding.Mean(vectors))
		if dist < bestDist {
			bestDist = dist
			bestID = entry.Name()
		}
	}
	return bestID, nil
}

func (t *Tracker) recentEmbeddings(clusterID string, limit int) ([][]float64, error) {
	dir := t.clusterDir(clusterID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type sample struct {
		path  string
		mtime time.Time
	}
	var samples []sample
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".npy") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		samples = append(samples, sample{path: filepath.Join(dir, entry.Name()), mtime: info.ModTime()})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].mtime.After(samples[j].mtime) })
	if limit > 0 && len(samples) > limit {
		samples = samples[:limit]
	}

	vectors := make([][]float64, 0, len(samples))
	for _, s := range samples {
		vector, err := embedding.ReadNpy(s.path)
		if err != nil {
			continue
		}
		vectors = append(vectors, vector)
	}
	return vectors, nil
}

func (t *Tracker) allEmbeddings(clusterID string) ([][]float64, []SampleMeta, error) {
	dir := t.clusterDir(clusterID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	var vectors [][]float64
	var metas []SampleMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".npy") {
			continue
		}
		vector, err := embedding.ReadNpy(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		vectors = append(vectors, vector)

		metaPath := filepath.Join(dir, strings.TrimSuffix(entry.Name(), ".npy")+".json")
		var meta SampleMeta
		if err := fileutil.ReadJSON(metaPath, &meta); err == nil {
			metas = append(metas, meta)
		}
	}
	return vectors, metas, nil
}

// maybePromote creates a candidate once the cluster crosses the sample
// threshold and passes the variance and self-consistency gates. An
// existing candidate file (any status) blocks re-promotion.
func (t *Tracker) maybePromote(clusterID string) error {
	vectors, metas, err := t.allEmbeddings(clusterID)
	if err != nil {
		return err
	}
	if len(vectors) < t.opts.PromoteMinSamples {
		return nil
	}
	if _, err := os.Stat(t.candidatePath(clusterID)); err == nil {
		return nil
	}

	variance := embedding.Variance(vectors)
	if variance > t.opts.MaxVariance {
		t.logger.Warn("cluster rejected: variance too high",
			logging.String("cluster", clusterID),
			logging.Float64("variance", variance),
			logging.Float64("max", t.opts.MaxVariance),
		)
		return nil
	}
	consistency := embedding.SelfConsistency(vectors)
	if consistency > t.opts.MaxConsistency {
		t.logger.Warn("cluster rejected: embeddings too dissimilar",
			logging.String("cluster", clusterID),
			logging.Float64("self_consistency", consistency),
		)
		return nil
	}

	rounded := embedding.Round4(consistency)
	candidate := Candidate{
		SpeakerID:       clusterID,
		CreatedAt:       t.now().UTC().Format(time.RFC3339),
		NumSamples:      len(vectors),
		AvgEmbedding:    embedding.Centroid(vectors),
		Variance:        variance,
		SelfConsistency: &rounded,
		AutoThreshold:   profiles.AutoThreshold(consistency),
		SampleMetadata:  metas,
		Status:          StatusPendingReview,
	}

	if err := os.MkdirAll(t.candidatesDir(), 0o755); err != nil {
		return fmt.Errorf("create candidates directory: %w", err)
	}
	if err := fileutil.WriteJSONAtomic(t.candidatePath(clusterID), candidate); err != nil {
		return fmt.Errorf("write candidate: %w", err)
	}

	t.logger.Info("new candidate speaker profile",
		logging.String("cluster", clusterID),
		logging.Int("samples", candidate.NumSamples),
		logging.Float64("variance", embedding.Round4(variance)),
		logging.Float64("self_consistency", rounded),
		logging.Float64("threshold", candidate.AutoThreshold),
		logging.String(logging.FieldEventType, "candidate_promoted"),
	)
	return nil
}

// LoadCandidate reads the candidate file for a cluster.
func (t *Tracker) LoadCandidate(clusterID string) (*Candidate, error) {
	var candidate Candidate
	if err := fileutil.ReadJSON(t.candidatePath(clusterID), &candidate); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoCandidate, clusterID)
		}
		return nil, err
	}
	return &candidate, nil
}

// PendingCandidates lists candidates still awaiting review.
func (t *Tracker) PendingCandidates() ([]*Candidate, error) {
	entries, err := os.ReadDir(t.candidatesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var pending []*Candidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var candidate Candidate
		if err := fileutil.ReadJSON(filepath.Join(t.candidatesDir(), entry.Name()), &candidate); err != nil {
			continue
		}
		if candidate.Status == StatusPendingReview {
			pending = append(pending, &candidate)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt < pending[j].CreatedAt })
	return pending, nil
}

// Approve turns a candidate into a voice profile named name and marks
// the candidate approved.
func (t *Tracker) Approve(clusterID, name string) (*profiles.Profile, error) {
	candidate, err := t.LoadCandidate(clusterID)
	if err != nil {
		return nil, err
	}

	profile := &profiles.Profile{
		Name:              name,
		EnrollmentMethod:  "automatic",
		OriginalSpeakerID: clusterID,
		Embeddings:        [][]float64{embedding.Normalize(candidate.AvgEmbedding)},
		Threshold:         candidate.AutoThreshold,
		SelfConsistency:   candidate.SelfConsistency,
		Metadata: map[string]any{
			"variance":           candidate.Variance,
			"auto_enrolled_from": clusterID,
		},
	}
	if err := t.profiles.Put(profile); err != nil {
		return nil, err
	}

	candidate.Status = StatusApproved
	candidate.SuggestedName = profile.Name
	if err := fileutil.WriteJSONAtomic(t.candidatePath(clusterID), candidate); err != nil {
		return nil, fmt.Errorf("update candidate status: %w", err)
	}

	t.logger.Info("candidate approved",
		logging.String("cluster", clusterID),
		logging.String(logging.FieldSpeaker, profile.Name),
	)
	return profile, nil
}

// Reject marks a candidate rejected. The file stays as a trail so the
// cluster is not promoted again.
func (t *Tracker) Reject(clusterID string) error {
	candidate, err := t.LoadCandidate(clusterID)
	if err != nil {
		return err
	}
	candidate.Status = StatusRejected
	candidate.RejectedAt = t.now().UTC().Format(time.RFC3339)
	if err := fileutil.WriteJSONAtomic(t.candidatePath(clusterID), candidate); err != nil {
		return fmt.Errorf("update candidate status: %w", err)
	}
	t.logger.Info("candidate rejected", logging.String("cluster", clusterID))
	return nil
}

// Prune deletes clusters whose newest sample is older than the age
// limit and whose size is below the sample floor, plus any empty
// cluster directories. It returns the number of clusters removed.
func (t *Tracker) Prune() (int, error) {
	entries, err := os.ReadDir(t.embeddingsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := t.now().Add(-time.Duration(t.opts.PruneMaxAgeDays) * 24 * time.Hour)
	pruned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := t.clusterDir(entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		var newest time.Time
		sampleCount := 0
		for _, file := range files {
			if strings.HasSuffix(file.Name(), ".npy") {
				sampleCount++
			}
			if info, err := file.Info(); err == nil && info.ModTime().After(newest) {
				newest = info.ModTime()
			}
		}

		if sampleCount == 0 {
			if err := os.RemoveAll(dir); err == nil {
				pruned++
				t.logger.Info("pruned empty cluster", logging.String("cluster", entry.Name()))
			}
			continue
		}
		if sampleCount >= t.opts.PruneMinSamples {
			continue
		}
		if newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			t.logger.Warn("failed to prune cluster",
				logging.String("cluster", entry.Name()),
				logging.Error(err),
			)
			continue
		}
		pruned++
		t.logger.Info("pruned stale cluster",
			logging.String("cluster", entry.Name()),
			logging.Int("samples", sampleCount),
		)
	}
	if pruned > 0 {
		t.logger.Info("unknown speaker prune complete", logging.Int("pruned", pruned))
	}
	return pruned, nil
}

// Stats counts tracked clusters, samples, and pending candidates.
func (t *Tracker) Stats() (Stats, error) {
	var stats Stats
	if entries, err := os.ReadDir(t.embeddingsDir()); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			stats.TrackedSpeakers++
			if files, err := os.ReadDir(t.clusterDir(entry.Name())); err == nil {
				for _, file := range files {
					if strings.HasSuffix(file.Name(), ".npy") {
						stats.TotalSamples++
					}
				}
			}
		}
	}
	if entries, err := os.ReadDir(t.candidatesDir()); err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			var candidate Candidate
			if err := fileutil.ReadJSON(filepath.Join(t.candidatesDir(), entry.Name()), &candidate); err != nil {
				continue
			}
			if candidate.Status == StatusPendingReview {
				stats.PendingCandidates++
			}
		}
	}
	return stats, nil
}
