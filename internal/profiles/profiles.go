// Package profiles manages enrolled voice profiles on disk.
//
// Each profile is one JSON file in the profiles directory, keyed by
// canonical lowercase name. The store hot-reloads when any file's
// modification time changes, and every mutation is a whole-file atomic
// replacement, so readers never need locks against writers.
package profiles

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"murmur/internal/embedding"
	"murmur/internal/fileutil"
	"murmur/internal/logging"
)

const (
	// DefaultThreshold applies when a profile has too few samples to
	// calibrate one.
	DefaultThreshold = 0.35
	// DedupeDistance collapses near-duplicate embeddings on merge.
	DedupeDistance = 0.05

	thresholdFloor = 0.20
	thresholdCeil  = 0.50
)

// ErrNotFound is returned when a named profile does not exist.
var ErrNotFound = errors.New("profile not found")

// Profile is the on-disk voice profile record.
type Profile struct {
	Name                string      `json:"name"`
	EnrolledAt          string      `json:"enrolledAt"`
	EnrollmentMethod    string      `json:"enrollmentMethod"`
	NumSamples          int         `json:"numSamples"`
	EmbeddingDimensions int         `json:"embeddingDimensions"`
	Embeddings          [][]float64 `json:"embeddings"`
	Threshold           float64     `json:"threshold"`
	SelfConsistency     *float64    `json:"selfConsistency"`
	LastUpdated         string      `json:"lastUpdated,omitempty"`

	// Set on profiles enrolled from an unknown-speaker cluster.
	OriginalSpeakerID string         `json:"originalSpeakerId,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// AutoThreshold calibrates a match threshold from self-consistency:
// three times the mean internal distance, clamped to [0.20, 0.50].
func AutoThreshold(selfConsistency float64) float64 {
	return math.Min(thresholdCeil, math.Max(thresholdFloor, 3*selfConsistency))
}

// Store loads and mutates profiles with mtime-based hot reload.
type Store struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	cache  map[string]*Profile
	mtimes map[string]time.Time
	loaded bool
}

// NewStore builds a store over dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logging.NewComponentLogger(logger, "profiles"),
	}
}

// Dir returns the profiles directory.
func (s *Store) Dir() string { return s.dir }

// Load returns all profiles, rescanning the directory when any file
// changed since the last load. force bypasses the mtime check.
// Out-of-band embedding norms are renormalized in memory only.
func (s *Store) Load(force bool) (map[string]*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.scanMtimes()
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			s.cache = map[string]*Profile{}
			return s.cache, nil
		}
		return nil, err
	}

	if s.loaded && !force && mtimesEqual(current, s.mtimes) {
		return s.cache, nil
	}

	cache := make(map[string]*Profile)
	for file := range current {
		path := filepath.Join(s.dir, file)
		var profile Profile
		if err := fileutil.ReadJSON(path, &profile); err != nil {
			s.logger.Error("failed to load profile",
				logging.String("file", file),
				logging.Error(err),
			)
			continue
		}
		if profile.Name == "" {
			profile.Name = strings.TrimSuffix(file, ".json")
		}
		if len(profile.Embeddings) == 0 {
			s.logger.Warn("profile has no embeddings, skipping",
				logging.String(logging.FieldSpeaker, profile.Name),
			)
			continue
		}
		if profile.Threshold == 0 {
			profile.Threshold = DefaultThreshold
		}
		s.renormalize(&profile)
		cache[profile.Name] = &profile
	}

	s.cache = cache
	s.mtimes = current
	s.loaded = true

	if len(cache) == 0 {
		s.logger.Warn("no speaker profiles loaded")
	} else {
		s.logger.Info("voice profiles loaded", logging.Int("count", len(cache)))
	}
	return cache, nil
}

// Get returns one profile by canonical name.
func (s *Store) Get(name string) (*Profile, error) {
	all, err := s.Load(false)
	if err != nil {
		return nil, err
	}
	profile, ok := all[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return profile, nil
}

// CreateOrUpdate merges newEmbeddings into the named profile, creating
// it when absent. Vectors are normalized, near-duplicates dropped, the
// self-consistency recomputed, and the threshold recalibrated before
// the file is atomically replaced.
func (s *Store) CreateOrUpdate(name, method string, newEmbeddings [][]float64) (*Profile, error) {
	canonical := strings.ToLower(strings.TrimSpace(name))
	if canonical == "" {
		return nil, errors.New("profile name required")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profiles directory: %w", err)
	}

	path := filepath.Join(s.dir, canonical+".json")
	profile := &Profile{
		Name:             canonical,
		EnrolledAt:       nowISO(),
		EnrollmentMethod: method,
		Threshold:        DefaultThreshold,
	}
	if err := fileutil.ReadJSON(path, profile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read existing profile: %w", err)
	}

	merged := make([][]float64, 0, len(profile.Embeddings)+len(newEmbeddings))
	merged = append(merged, profile.Embeddings...)
	for _, vector := range newEmbeddings {
		merged = append(merged, embedding.Normalize(vector))
	}
	merged = embedding.Dedupe(merged, DedupeDistance)
	if len(merged) == 0 {
		return nil, errors.New("no embeddings to store")
	}

	profile.Embeddings = merged
	profile.NumSamples = len(merged)
	profile.EmbeddingDimensions = len(merged[0])
	profile.LastUpdated = nowISO()
	if len(merged) >= 2 {
		consistency := embedding.Round4(embedding.SelfConsistency(merged))
		profile.SelfConsistency = &consistency
		profile.Threshold = AutoThreshold(consistency)
	}

	if err := s.write(path, profile); err != nil {
		return nil, err
	}

	s.logger.Info("profile updated",
		logging.String(logging.FieldSpeaker, canonical),
		logging.Int("samples", profile.NumSamples),
		logging.Float64("threshold", profile.Threshold),
		logging.String(logging.FieldEventType, "profile_updated"),
	)

	// Drop the cache so the next Load picks up the new file even if the
	// filesystem's mtime granularity hides the change.
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()

	return profile, nil
}

// Put writes a fully formed profile, replacing any existing file for
// the same name. Embeddings are normalized on the way in. Used when a
// candidate cluster is approved with its own calibration in hand,
// where the merge logic of CreateOrUpdate would discard it.
func (s *Store) Put(profile *Profile) error {
	canonical := strings.ToLower(strings.TrimSpace(profile.Name))
	if canonical == "" {
		return errors.New("profile name required")
	}
	if len(profile.Embeddings) == 0 {
		return errors.New("no embeddings to store")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create profiles directory: %w", err)
	}

	profile.Name = canonical
	for i, vector := range profile.Embeddings {
		profile.Embeddings[i] = embedding.Normalize(vector)
	}
	profile.NumSamples = len(profile.Embeddings)
	profile.EmbeddingDimensions = len(profile.Embeddings[0])
	if profile.EnrolledAt == "" {
		profile.EnrolledAt = nowISO()
	}
	profile.LastUpdated = nowISO()
	if profile.Threshold == 0 {
		profile.Threshold = DefaultThreshold
	}

	if err := s.write(filepath.Join(s.dir, canonical+".json"), profile); err != nil {
		return err
	}

	s.logger.Info("profile written",
		logging.String(logging.FieldSpeaker, canonical),
		logging.Int("samples", profile.NumSamples),
		logging.Float64("threshold", profile.Threshold),
		logging.String(logging.FieldEventType, "profile_updated"),
	)

	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
	return nil
}

// Repair rewrites profiles whose stored embedding norms drifted outside
// [0.9, 1.1], renormalizing vectors and recalibrating thresholds. With
// dryRun it only reports the affected names.
func (s *Store) Repair(dryRun bool) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var repaired []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		var profile Profile
		if err := fileutil.ReadJSON(path, &profile); err != nil {
			s.logger.Error("repair: unreadable profile",
				logging.String("file", entry.Name()),
				logging.Error(err),
			)
			continue
		}
		if !needsRepair(&profile) {
			continue
		}
		repaired = append(repaired, profile.Name)
		if dryRun {
			continue
		}

		for i, vector := range profile.Embeddings {
			profile.Embeddings[i] = embedding.Normalize(vector)
		}
		profile.Embeddings = embedding.Dedupe(profile.Embeddings, DedupeDistance)
		profile.NumSamples = len(profile.Embeddings)
		if len(profile.Embeddings) >= 2 {
			consistency := embedding.Round4(embedding.SelfConsistency(profile.Embeddings))
			profile.SelfConsistency = &consistency
			profile.Threshold = AutoThreshold(consistency)
		}
		profile.LastUpdated = nowISO()
		if err := s.write(path, &profile); err != nil {
			return repaired, err
		}
		s.logger.Info("profile norms repaired",
			logging.String(logging.FieldSpeaker, profile.Name),
		)
	}

	if len(repaired) > 0 && !dryRun {
		s.mu.Lock()
		s.loaded = false
		s.mu.Unlock()
	}
	return repaired, nil
}

func needsRepair(profile *Profile) bool {
	for _, vector := range profile.Embeddings {
		norm := embedding.Norm(vector)
		if norm < 0.9 || norm > 1.1 {
			return true
		}
	}
	return false
}

func (s *Store) write(path string, profile *Profile) error {
	if err := fileutil.WriteJSONAtomic(path, profile); err != nil {
		return fmt.Errorf("write profile %s: %w", profile.Name, err)
	}
	return nil
}

func (s *Store) renormalize(profile *Profile) {
	for i, vector := range profile.Embeddings {
		norm := embedding.Norm(vector)
		if norm < 0.9 || norm > 1.1 {
			s.logger.Warn("auto-normalizing drifted embedding",
				logging.String(logging.FieldSpeaker, profile.Name),
				logging.Int("index", i),
				logging.Float64("norm", embedding.Round4(norm)),
			)
			profile.Embeddings[i] = embedding.Normalize(vector)
		}
	}
}

func (s *Store) scanMtimes() (map[string]time.Time, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	mtimes := make(map[string]time.Time)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mtimes[entry.Name()] = info.ModTime()
	}
	return mtimes, nil
}

func mtimesEqual(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for name, at := range a {
		bt, ok := b[name]
		if !ok || !at.Equal(bt) {
			return false
		}
	}
	return true
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000-07:00")
}
