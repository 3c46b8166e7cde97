package curator

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"murmur/internal/fileutil"
	"murmur/internal/logging"
	"murmur/internal/transcript"
)

// MigrateStats summarizes a backlog migration run.
type MigrateStats struct {
	Examined       int
	Moved          int
	MarkersRemoved int
}

// migrateProbe reads the fields the migration decision needs.
type migrateProbe struct {
	AudioPath string `json:"audioPath"`
	SpeakerID *struct {
		Unidentified []string `json:"unidentified"`
	} `json:"speaker_identification"`
}

// MigratePending withdraws published curator files whose speakers are
// still unidentified into _pending/, preserving the date layout, and
// removes their synced markers so the next orchestrator cycle re-gates
// them. A one-time backfill for state published before the pending
// bucket existed; dryRun reports what would move without changing
// anything.
func (p *Publisher) MigratePending(dryRun bool) (*MigrateStats, error) {
	stats := &MigrateStats{}
	if _, err := os.Stat(p.curatorDir); os.IsNotExist(err) {
		return stats, nil
	}
	pendingRoot := filepath.Join(p.curatorDir, PendingDirName)

	var files []string
	err := filepath.WalkDir(p.curatorDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == pendingRoot {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".json") && name != "conversations.json" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk curator dir: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		var probe migrateProbe
		if err := fileutil.ReadJSON(path, &probe); err != nil {
			p.logger.Warn("unreadable curator file",
				logging.Args(logging.String("file", filepath.Base(path)), logging.Error(err))...)
			continue
		}
		stats.Examined++
		if probe.SpeakerID == nil || len(probe.SpeakerID.Unidentified) == 0 {
			continue
		}

		rel, err := filepath.Rel(p.curatorDir, path)
		if err != nil {
			return nil, err
		}
		dest := filepath.Join(pendingRoot, rel)
		stem := strings.TrimSuffix(probe.AudioPath, filepath.Ext(probe.AudioPath))
		markerExists := false
		if stem != "" {
			_, statErr := os.Stat(transcript.MarkerPath(p.doneDir, stem))
			markerExists = statErr == nil
		}

		if dryRun {
			p.logger.Info("would move to pending",
				logging.Args(
					logging.String("file", rel),
					logging.Int("unidentified", len(probe.SpeakerID.Unidentified)),
					logging.Bool("marker", markerExists),
				)...)
			continue
		}

		if err := fileutil.EnsureDir(filepath.Dir(dest)); err != nil {
			return nil, err
		}
		if err := fileutil.MoveFile(path, dest); err != nil {
			return nil, fmt.Errorf("move to pending: %w", err)
		}
		stats.Moved++
		if markerExists {
			if err := transcript.RemoveMarker(p.doneDir, stem); err != nil {
				return nil, err
			}
			stats.MarkersRemoved++
		}
		p.logger.Info("moved to pending", logging.Args(logging.String("file", rel))...)
	}
	return stats, nil
}
