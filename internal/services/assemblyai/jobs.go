package assemblyai

import (
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Job describes an in-flight transcription.
type Job struct {
	TranscriptID string `json:"transcript_id"`
	File         string `json:"file"`
	SubmittedAt  string `json:"submitted_at"`
	Status       string `json:"status"`
}

type jobTable struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[string]Job)}
}

func (t *jobTable) add(transcriptID, file string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[transcriptID] = Job{
		TranscriptID: transcriptID,
		File:         file,
		SubmittedAt:  time.Now().UTC().Format(time.RFC3339),
		Status:       "processing",
	}
}

func (t *jobTable) remove(transcriptID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, transcriptID)
}

func (t *jobTable) list() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	jobs := make([]Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].SubmittedAt < jobs[j].SubmittedAt })
	return jobs
}

func filepathBase(path string) string { return filepath.Base(path) }
