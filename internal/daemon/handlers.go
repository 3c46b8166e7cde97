package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"murmur/internal/logging"
	"murmur/internal/profiles"
	"murmur/internal/transcript"
)

// minLabelSegmentSeconds is the floor for segments worth an embedding
// during manual labeling; shorter ones carry too little voice.
const minLabelSegmentSeconds = 1.0

type reidentifyRequest struct {
	ForceAll bool `json:"force_all"`
}

type reidentifyResponse struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message"`
	ForceAll bool   `json:"force_all"`
}

func (s *apiServer) handleReidentify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req reidentifyRequest
	if r.Body != nil {
		// An empty body means a plain incremental pass.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	s.daemon.deps.Retry.TriggerRetry(req.ForceAll)
	s.writeJSON(w, http.StatusAccepted, reidentifyResponse{
		OK:       true,
		Message:  "re-identification started",
		ForceAll: req.ForceAll,
	})
}

type labelSpeakerRequest struct {
	TranscriptFile string `json:"transcript_file"`
	SpeakerID      string `json:"speaker_id"`
	Name           string `json:"name"`
}

type labelSpeakerResponse struct {
	OK              bool    `json:"ok"`
	SpeakerID       string  `json:"speaker_id"`
	Name            string  `json:"name"`
	EmbeddingsAdded int     `json:"embeddings_added"`
	TotalEmbeddings int     `json:"total_embeddings"`
	Threshold       float64 `json:"threshold"`
}

func (s *apiServer) handleLabelSpeaker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req labelSpeakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.TranscriptFile = strings.TrimSpace(req.TranscriptFile)
	req.SpeakerID = strings.TrimSpace(req.SpeakerID)
	req.Name = strings.ToLower(strings.TrimSpace(req.Name))
	if req.TranscriptFile == "" || req.SpeakerID == "" || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	resp, status, err := s.daemon.LabelSpeaker(r.Context(), req)
	if err != nil {
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// LabelSpeaker attaches a human name to a diarized label: qualifying
// segments feed the voice profile, the transcript gets speaker_name
// stamped, and a force-all retry cycle propagates the new profile to
// older transcripts. The synced marker is dropped so the next
// orchestrator pass republishes the renamed document.
func (d *Daemon) LabelSpeaker(ctx context.Context, req labelSpeakerRequest) (*labelSpeakerResponse, int, error) {
	doneDir := d.cfg.Paths.DoneDir
	path := filepath.Join(doneDir, filepath.Base(req.TranscriptFile))
	tr, err := transcript.LoadPath(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, http.StatusNotFound, errors.New("transcript not found")
		}
		return nil, http.StatusInternalServerError, fmt.Errorf("load transcript: %w", err)
	}

	matched := 0
	for i := range tr.Segments {
		if tr.Segments[i].Speaker == req.SpeakerID {
			matched++
		}
	}
	if matched == 0 {
		return nil, http.StatusNotFound, fmt.Errorf("speaker %s not found in transcript", req.SpeakerID)
	}

	added := 0
	var profile *profiles.Profile
	if audioPath, ok := d.findAudio(tr.File); ok {
		vectors := d.extractSpeakerEmbeddings(ctx, audioPath, tr, req.SpeakerID)
		added = len(vectors)
		if added > 0 {
			profile, err = d.deps.Profiles.CreateOrUpdate(req.Name, "manual-label", vectors)
			if err != nil {
				return nil, http.StatusInternalServerError, fmt.Errorf("update profile: %w", err)
			}
			if _, err := d.deps.Profiles.Load(true); err != nil {
				d.logger.Warn("profile reload failed", logging.Error(err))
			}
			d.deps.Retry.TriggerRetry(true)
			d.logger.Info("triggered re-identification after profile update",
				logging.String(logging.FieldSpeaker, req.Name))
		}
	} else {
		d.logger.Warn("audio unavailable, labeling without new embeddings",
			logging.String(logging.FieldClip, tr.File))
	}
	if profile == nil {
		if existing, err := d.deps.Profiles.Get(req.Name); err == nil {
			profile = existing
		}
	}

	for i := range tr.Segments {
		if tr.Segments[i].Speaker == req.SpeakerID {
			tr.Segments[i].SpeakerName = req.Name
		}
	}
	if err := transcript.Save(doneDir, tr); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("save transcript: %w", err)
	}
	if err := transcript.RemoveMarker(doneDir, tr.Stem()); err != nil {
		d.logger.Warn("marker removal failed", logging.Error(err))
	}

	resp := &labelSpeakerResponse{
		OK:              true,
		SpeakerID:       req.SpeakerID,
		Name:            req.Name,
		EmbeddingsAdded: added,
		Threshold:       profiles.DefaultThreshold,
	}
	if profile != nil {
		resp.TotalEmbeddings = profile.NumSamples
		resp.Threshold = profile.Threshold
	}
	d.logger.Info("speaker labeled",
		logging.String(logging.FieldClip, tr.File),
		logging.String(logging.FieldSpeaker, req.Name),
		logging.Int("embeddings_added", added))
	return resp, 0, nil
}

func (d *Daemon) extractSpeakerEmbeddings(ctx context.Context, audioPath string, tr *transcript.Transcript, speakerID string) [][]float64 {
	var vectors [][]float64
	for _, seg := range tr.Segments {
		if seg.Speaker != speakerID || seg.End-seg.Start < minLabelSegmentSeconds {
			continue
		}
		vector, err := d.deps.Encoder.Extract(ctx, audioPath, seg.Start, seg.End)
		if err != nil {
			d.logger.Warn("embedding extraction failed",
				logging.String(logging.FieldClip, tr.File),
				logging.Error(err))
			continue
		}
		vectors = append(vectors, vector)
	}
	return vectors
}

// findAudio looks for the clip in the inbox first, then the playback
// archive it may have been moved to.
func (d *Daemon) findAudio(filename string) (string, bool) {
	if filename == "" {
		return "", false
	}
	for _, dir := range []string{d.cfg.Paths.InboxDir, d.cfg.Paths.PlaybackDir} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, filename)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}
