package pipeline

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the pipeline counters.
type Snapshot struct {
	Submitted       int    `json:"submitted"`
	Completed       int    `json:"completed"`
	Failed          int    `json:"failed"`
	SkippedShort    int    `json:"skipped_short"`
	Pending         int    `json:"pending"`
	Retried         int    `json:"speaker_id_retried"`
	LastCompletedAt string `json:"last_transcript_completed,omitempty"`
}

// Stats tracks pipeline activity across worker goroutines.
type Stats struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) addSubmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Submitted++
	s.snap.Pending++
}

func (s *Stats) addCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Completed++
	s.snap.LastCompletedAt = time.Now().UTC().Format(time.RFC3339)
}

func (s *Stats) addFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Failed++
}

func (s *Stats) addSkippedShort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.SkippedShort++
}

func (s *Stats) addRetried(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Retried += n
}

func (s *Stats) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Pending > 0 {
		s.snap.Pending--
	}
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
