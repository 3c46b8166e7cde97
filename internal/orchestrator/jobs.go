package orchestrator

import (
	"os"
	"strings"
	"time"

	"murmur/internal/fileutil"
	"murmur/internal/transcript"
)

// JobStatus is the orchestrator's view of a clip, derived from the
// transcript's pipeline_status plus lifecycle actions the orchestrator
// itself performs. Distinct from transcript.PipelineStatus.
type JobStatus string

const (
	StatusQueued           JobStatus = "queued"
	StatusProcessing       JobStatus = "processing"
	StatusSkipped          JobStatus = "skipped"
	StatusSpeakerIDPending JobStatus = "speaker_id_pending"
	StatusSpeakerIDFailed  JobStatus = "speaker_id_failed"
	StatusPendingCurator   JobStatus = "pending_curator"
	StatusComplete         JobStatus = "complete"
	StatusCuratorSynced    JobStatus = "curator_synced"
	StatusFailed           JobStatus = "failed"
)

// Stages records when a clip passed each pipeline stage. Nil means the
// stage has not happened.
type Stages struct {
	Ingested      *string `json:"ingested"`
	Transcribed   *string `json:"transcribed"`
	SpeakerID     *string `json:"speaker_id"`
	CuratorSynced *string `json:"curator_synced"`
}

// SpeakerSummary mirrors the transcript's identification outcome.
type SpeakerSummary struct {
	Identified   map[string]transcript.Match `json:"identified"`
	Unidentified []string                    `json:"unidentified"`
}

// Job is one manifest entry, keyed by clip stem.
type Job struct {
	Source                string                    `json:"source"`
	AudioFile             string                    `json:"audioFile"`
	CreatedAt             string                    `json:"createdAt"`
	Status                JobStatus                 `json:"status"`
	Stages                Stages                    `json:"stages"`
	PipelineStatus        transcript.PipelineStatus `json:"pipelineStatus"`
	SpeakerIdentification SpeakerSummary            `json:"speakerIdentification"`
	PlaybackFile          *string                   `json:"playbackFile"`
	CuratorPath           *string                   `json:"curatorPath"`
	Error                 *string                   `json:"error"`
}

// SourceFor infers where a clip came from by filename convention:
// drop-folder uploads carry a gdrive_ prefix, everything else is the
// microphone capture loop.
func SourceFor(stem string) string {
	if strings.HasPrefix(stem, "gdrive_") {
		return "watch_folder"
	}
	return "microphone"
}

// DeriveStatus maps a transcript onto the job state machine.
func DeriveStatus(tr *transcript.Transcript) JobStatus {
	switch tr.PipelineStatus {
	case transcript.StatusSkippedTooShort:
		return StatusSkipped
	case transcript.StatusTranscribed:
		return StatusSpeakerIDPending
	case transcript.StatusSpeakerIDFailed:
		return StatusSpeakerIDFailed
	}
	if tr.AssemblyAI != nil && tr.AssemblyAI.Status == "error" {
		return StatusFailed
	}
	switch tr.PipelineStatus {
	case transcript.StatusComplete, transcript.StatusCompleteNoSpeakers:
		if tr.HasUnidentified() {
			return StatusPendingCurator
		}
		return StatusComplete
	case transcript.StatusLegacy:
		if len(tr.Segments) > 0 {
			return StatusComplete
		}
	}
	return StatusProcessing
}

// loadManifest reads the jobs file, tolerating a missing or corrupt
// manifest by starting empty; rebuild recovers the rest.
func loadManifest(path string) map[string]*Job {
	jobs := make(map[string]*Job)
	if err := fileutil.ReadJSON(path, &jobs); err != nil {
		return make(map[string]*Job)
	}
	return jobs
}

// saveManifest writes the jobs file atomically.
func saveManifest(path string, jobs map[string]*Job) error {
	return fileutil.WriteJSONAtomic(path, jobs)
}

// newQueuedJob is the entry for a WAV that has no transcript yet.
func newQueuedJob(stem string, now time.Time) *Job {
	ingested := now.UTC().Format(time.RFC3339)
	return &Job{
		Source:                SourceFor(stem),
		AudioFile:             stem + ".wav",
		CreatedAt:             ingested,
		Status:                StatusQueued,
		Stages:                Stages{Ingested: &ingested},
		SpeakerIdentification: SpeakerSummary{Identified: map[string]transcript.Match{}, Unidentified: []string{}},
	}
}

// buildJob builds or refreshes a job entry from its transcript.
// Identity fields and already-set stage timestamps carry over from the
// existing entry; everything derived from the transcript is replaced.
func buildJob(stem string, tr *transcript.Transcript, existing *Job, now time.Time) *Job {
	nowISO := now.UTC().Format(time.RFC3339)

	job := &Job{
		Source:    SourceFor(stem),
		AudioFile: stem + ".wav",
		CreatedAt: nowISO,
	}
	if tr.Timestamp != "" {
		job.CreatedAt = tr.Timestamp
	}
	if existing != nil {
		job.Source = existing.Source
		job.AudioFile = existing.AudioFile
		job.CreatedAt = existing.CreatedAt
		job.Stages = existing.Stages
		job.PlaybackFile = existing.PlaybackFile
		job.CuratorPath = existing.CuratorPath
	}

	job.Status = DeriveStatus(tr)
	job.PipelineStatus = tr.PipelineStatus
	job.SpeakerIdentification = SpeakerSummary{
		Identified:   map[string]transcript.Match{},
		Unidentified: []string{},
	}
	if tr.SpeakerID != nil {
		if tr.SpeakerID.Identified != nil {
			job.SpeakerIdentification.Identified = tr.SpeakerID.Identified
		}
		if tr.SpeakerID.Unidentified != nil {
			job.SpeakerIdentification.Unidentified = tr.SpeakerID.Unidentified
		}
	}
	job.Error = nil
	if tr.SpeakerIDError != "" {
		msg := tr.SpeakerIDError
		job.Error = &msg
	}

	if job.Stages.Ingested == nil {
		ingested := nowISO
		if tr.Timestamp != "" {
			ingested = tr.Timestamp
		}
		job.Stages.Ingested = &ingested
	}
	if job.Stages.Transcribed == nil && tr.AssemblyAI != nil && tr.AssemblyAI.Status == "completed" {
		ts := nowISO
		job.Stages.Transcribed = &ts
	}
	if job.Stages.SpeakerID == nil {
		switch tr.PipelineStatus {
		case transcript.StatusComplete, transcript.StatusCompleteNoSpeakers, transcript.StatusSpeakerIDFailed:
			ts := nowISO
			job.Stages.SpeakerID = &ts
		}
	}
	return job
}

// setPlayback points the job at its retained WAV if one exists.
func setPlayback(job *Job, playbackDir, stem string) {
	name := stem + ".wav"
	if _, err := os.Stat(playbackPath(playbackDir, stem)); err == nil {
		job.PlaybackFile = &name
	} else {
		job.PlaybackFile = nil
	}
}
