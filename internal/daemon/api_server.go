package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"golang.org/x/sys/unix"

	"murmur/internal/commands"
	"murmur/internal/config"
	"murmur/internal/identify"
	"murmur/internal/logging"
	"murmur/internal/services/assemblyai"
)

const maxActiveJobsShown = 5

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if cfg == nil || d == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}

	mux := http.NewServeMux()
	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
	}

	token := cfg.Paths.APIToken
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/health/detailed", srv.handleHealthDetailed)
	mux.HandleFunc("/label-speaker", authMiddleware(token, srv.handleLabelSpeaker))
	mux.HandleFunc("/reidentify", authMiddleware(token, srv.handleReidentify))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", slog.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

type healthBasic struct {
	Status           string  `json:"status"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	QuietHoursActive bool    `json:"quiet_hours_active"`
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status()
	state := "ok"
	if !status.Running {
		state = "stopped"
	}
	s.writeJSON(w, http.StatusOK, healthBasic{
		Status:           state,
		UptimeSeconds:    status.UptimeSeconds,
		QuietHoursActive: status.QuietHoursActive,
	})
}

type pipelineHealth struct {
	Submitted        int     `json:"assemblyai_submitted"`
	Completed        int     `json:"assemblyai_completed"`
	Failed           int     `json:"assemblyai_failed"`
	Pending          int     `json:"assemblyai_pending"`
	SkippedShort     int     `json:"assemblyai_skipped_short"`
	Retried          int     `json:"speaker_id_retried"`
	CostUSD          float64 `json:"assemblyai_cost_usd"`
	HoursTranscribed float64 `json:"assemblyai_hours_transcribed"`
	LastCompleted    string  `json:"last_transcript_completed,omitempty"`
}

type queueHealth struct {
	InboxWAVCount int    `json:"inbox_wav_count"`
	InboxPath     string `json:"inbox_path"`
}

type diskHealth struct {
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type transcriberHealth struct {
	ActiveCount int              `json:"active_count"`
	ActiveJobs  []assemblyai.Job `json:"active_jobs"`
}

type healthDetailed struct {
	healthBasic
	JobCount  int                `json:"job_count"`
	Pipeline  pipelineHealth     `json:"pipeline"`
	Queue     queueHealth        `json:"queue"`
	SpeakerID identify.Stats     `json:"speaker_id"`
	Commands  *commands.Counters `json:"commands,omitempty"`
	Disk      *diskHealth        `json:"disk,omitempty"`
	Jobs      transcriberHealth  `json:"assemblyai"`
}

func (s *apiServer) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	d := s.daemon
	status := d.Status()
	state := "ok"
	if !status.Running {
		state = "stopped"
	}

	snap := d.deps.Stats.Snapshot()
	cost, hours := d.deps.Ledger.Totals()
	payload := healthDetailed{
		healthBasic: healthBasic{
			Status:           state,
			UptimeSeconds:    status.UptimeSeconds,
			QuietHoursActive: status.QuietHoursActive,
		},
		JobCount: status.JobCount,
		Pipeline: pipelineHealth{
			Submitted:        snap.Submitted,
			Completed:        snap.Completed,
			Failed:           snap.Failed,
			Pending:          snap.Pending,
			SkippedShort:     snap.SkippedShort,
			Retried:          snap.Retried,
			CostUSD:          cost,
			HoursTranscribed: hours,
			LastCompleted:    snap.LastCompletedAt,
		},
		Queue: queueHealth{
			InboxWAVCount: countWAVs(d.cfg.Paths.InboxDir),
			InboxPath:     d.cfg.Paths.InboxDir,
		},
		SpeakerID: d.deps.Identifier.Stats(),
	}
	if d.deps.Dispatcher != nil {
		counters := d.deps.Dispatcher.Counters()
		payload.Commands = &counters
	}
	if disk, err := diskUsage(d.cfg.Paths.InboxDir); err == nil {
		payload.Disk = disk
	}

	active := d.deps.Client.ListActive()
	payload.Jobs.ActiveCount = len(active)
	if len(active) > maxActiveJobsShown {
		active = active[:maxActiveJobsShown]
	}
	payload.Jobs.ActiveJobs = active

	s.writeJSON(w, http.StatusOK, payload)
}

func countWAVs(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return -1
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			count++
		}
	}
	return count
}

func diskUsage(path string) (*diskHealth, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return nil, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return nil, errors.New("zero-size filesystem")
	}
	used := float64(total-free) / float64(total) * 100
	return &diskHealth{
		TotalBytes:  total,
		FreeBytes:   free,
		UsedPercent: round1(used),
	}, nil
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String(logging.FieldComponent, "api-server"))
	}
	return logging.NewNop()
}
