// Package stitch groups temporally adjacent curator transcripts into
// logical conversations and maintains the per-day conversations.json
// index. Consecutive transcripts within a configurable gap join one
// conversation; the gap is extended when the two share an identified
// speaker, since a known voice pausing mid-discussion is usually the
// same discussion.
package stitch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"murmur/internal/config"
	"murmur/internal/curator"
	"murmur/internal/fileutil"
	"murmur/internal/logging"
	"murmur/internal/transcript"
)

// IndexFileName is the per-day conversation index.
const IndexFileName = "conversations.json"

// Conversation is one stitched group in the day index.
type Conversation struct {
	ID              string   `json:"id"`
	StartTime       string   `json:"startTime"`
	EndTime         string   `json:"endTime"`
	Duration        int      `json:"duration"`
	Segments        []string `json:"segments"`
	Speakers        []string `json:"speakers"`
	TotalWords      int      `json:"totalWords"`
	TranscriptCount int      `json:"transcriptCount"`
}

// DayIndex is the conversations.json document for one day directory.
type DayIndex struct {
	Date          string         `json:"date"`
	Conversations []Conversation `json:"conversations"`
	Generated     string         `json:"generated"`
}

// Result summarizes a stitching run.
type Result struct {
	DaysProcessed int
	Conversations int
}

// Stitcher walks the curator date tree and stitches day directories.
type Stitcher struct {
	curatorDir string
	gap        time.Duration
	speakerGap time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewStitcher builds a Stitcher from configuration.
func NewStitcher(cfg *config.Config, logger *slog.Logger) *Stitcher {
	return &Stitcher{
		curatorDir: cfg.Paths.CuratorDir,
		gap:        time.Duration(cfg.Stitch.GapSeconds) * time.Second,
		speakerGap: time.Duration(cfg.Stitch.SpeakerGapSeconds) * time.Second,
		logger:     logging.NewComponentLogger(logger, "stitch"),
		now:        time.Now,
	}
}

// entry is one loaded transcript within a day directory.
type entry struct {
	path string
	doc  *curator.Document
	ts   time.Time
}

func (e *entry) end() time.Time {
	return e.ts.Add(time.Duration(e.doc.Duration * float64(time.Second)))
}

// Run stitches day directories. In incremental mode (reindex false)
// only days containing at least one unstitched transcript are touched;
// reindex reprocesses everything. dryRun computes groups without
// writing.
func (s *Stitcher) Run(reindex, dryRun bool) (*Result, error) {
	result := &Result{}
	dayDirs, err := s.dayDirs()
	if err != nil {
		return nil, err
	}
	for _, dayDir := range dayDirs {
		entries, err := s.loadDay(dayDir)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		if !reindex && allStitched(entries) {
			continue
		}
		conversations, err := s.stitchDay(dayDir, entries, dryRun)
		if err != nil {
			return nil, err
		}
		result.DaysProcessed++
		result.Conversations += conversations
	}
	return result, nil
}

var datePartRe = regexp.MustCompile(`^\d{2,4}$`)

// dayDirs lists YYYY/MM/DD directories under the curator root in
// lexical (chronological) order. The _pending tree and anything else
// non-numeric is skipped.
func (s *Stitcher) dayDirs() ([]string, error) {
	var dirs []string
	years, err := os.ReadDir(s.curatorDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read curator dir: %w", err)
	}
	for _, year := range years {
		if !year.IsDir() || len(year.Name()) != 4 || !datePartRe.MatchString(year.Name()) {
			continue
		}
		months, err := os.ReadDir(filepath.Join(s.curatorDir, year.Name()))
		if err != nil {
			continue
		}
		for _, month := range months {
			if !month.IsDir() || len(month.Name()) != 2 || !datePartRe.MatchString(month.Name()) {
				continue
			}
			days, err := os.ReadDir(filepath.Join(s.curatorDir, year.Name(), month.Name()))
			if err != nil {
				continue
			}
			for _, day := range days {
				if !day.IsDir() || len(day.Name()) != 2 || !datePartRe.MatchString(day.Name()) {
					continue
				}
				dirs = append(dirs, filepath.Join(s.curatorDir, year.Name(), month.Name(), day.Name()))
			}
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// loadDay reads every transcript in a day directory, dropping
// unreadable files and unparseable timestamps, sorted by start time.
func (s *Stitcher) loadDay(dayDir string) ([]*entry, error) {
	matches, err := filepath.Glob(filepath.Join(dayDir, "*.json"))
	if err != nil {
		return nil, err
	}
	var entries []*entry
	for _, path := range matches {
		if filepath.Base(path) == IndexFileName {
			continue
		}
		var doc curator.Document
		if err := fileutil.ReadJSON(path, &doc); err != nil {
			s.logger.Warn("unreadable curator file",
				logging.Args(logging.String("file", filepath.Base(path)), logging.Error(err))...)
			continue
		}
		ts, err := transcript.ParseTimestamp(doc.Timestamp)
		if err != nil {
			continue
		}
		entries = append(entries, &entry{path: path, doc: &doc, ts: ts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
	return entries, nil
}

func allStitched(entries []*entry) bool {
	for _, e := range entries {
		if e.doc.ConversationID == "" {
			return false
		}
	}
	return true
}

// group clusters the sorted entries by time gap.
func (s *Stitcher) group(entries []*entry) [][]*entry {
	if len(entries) == 0 {
		return nil
	}
	groups := [][]*entry{{entries[0]}}
	for i := 1; i < len(entries); i++ {
		prev := entries[i-1]
		curr := entries[i]
		gap := curr.ts.Sub(prev.end())

		threshold := s.gap
		if sharedSpeaker(prev.doc, curr.doc) {
			threshold = s.speakerGap
		}
		if gap <= threshold {
			last := len(groups) - 1
			groups[last] = append(groups[last], curr)
		} else {
			groups = append(groups, []*entry{curr})
		}
	}
	return groups
}

// stitchDay groups one day's entries, writes conversation IDs back into
// the transcripts, and rewrites the day index. Returns the number of
// conversations found.
func (s *Stitcher) stitchDay(dayDir string, entries []*entry, dryRun bool) (int, error) {
	groups := s.group(entries)
	index := DayIndex{
		Date:          dayDate(dayDir),
		Conversations: make([]Conversation, 0, len(groups)),
		Generated:     s.now().UTC().Format(time.RFC3339),
	}

	for _, group := range groups {
		first := group[0]
		convID := "conv-" + first.ts.Format("20060102-150405")

		speakers := make(map[string]struct{})
		var (
			segments   []string
			totalWords int
			endTime    = first.end()
		)
		for _, e := range group {
			segments = append(segments, filepath.Base(e.path))
			totalWords += len(strings.Fields(e.doc.Transcript))
			if end := e.end(); end.After(endTime) {
				endTime = end
			}
			for _, sp := range e.doc.Speakers {
				if name := namedSpeaker(sp); name != "" {
					speakers[name] = struct{}{}
				} else if sp.ID != "" {
					speakers[sp.ID] = struct{}{}
				}
			}
		}

		index.Conversations = append(index.Conversations, Conversation{
			ID:              convID,
			StartTime:       first.ts.Format(time.RFC3339),
			EndTime:         endTime.Format(time.RFC3339),
			Duration:        int(endTime.Sub(first.ts).Seconds()),
			Segments:        segments,
			Speakers:        sortedKeys(speakers),
			TotalWords:      totalWords,
			TranscriptCount: len(group),
		})

		if dryRun {
			continue
		}
		for _, e := range group {
			if e.doc.ConversationID == convID {
				continue
			}
			e.doc.ConversationID = convID
			if err := fileutil.WriteJSONAtomic(e.path, e.doc); err != nil {
				return 0, fmt.Errorf("write conversation id: %w", err)
			}
		}
	}

	if dryRun {
		s.logger.Info("dry run",
			logging.Args(
				logging.String("date", index.Date),
				logging.Int("conversations", len(index.Conversations)),
				logging.Int("transcripts", len(entries)),
			)...)
		return len(index.Conversations), nil
	}

	if err := fileutil.WriteJSONAtomic(filepath.Join(dayDir, IndexFileName), index); err != nil {
		return 0, fmt.Errorf("write day index: %w", err)
	}
	s.logger.Info("day stitched",
		logging.Args(
			logging.String("date", index.Date),
			logging.Int("conversations", len(index.Conversations)),
			logging.Int("transcripts", len(entries)),
		)...)
	return len(index.Conversations), nil
}

// sharedSpeaker reports whether the two documents share an identified
// speaker name.
func sharedSpeaker(a, b *curator.Document) bool {
	names := make(map[string]struct{})
	for _, sp := range a.Speakers {
		if name := namedSpeaker(sp); name != "" {
			names[name] = struct{}{}
		}
	}
	for _, sp := range b.Speakers {
		if name := namedSpeaker(sp); name != "" {
			if _, ok := names[name]; ok {
				return true
			}
		}
	}
	return false
}

// namedSpeaker returns the speaker's identified name, or "" for
// unidentified or placeholder names.
func namedSpeaker(sp *curator.Speaker) string {
	if sp.Name == nil {
		return ""
	}
	switch strings.ToLower(*sp.Name) {
	case "", "unknown", "none":
		return ""
	}
	return *sp.Name
}

// dayDate renders a day directory path as YYYY-MM-DD.
func dayDate(dayDir string) string {
	day := filepath.Base(dayDir)
	month := filepath.Base(filepath.Dir(dayDir))
	year := filepath.Base(filepath.Dir(filepath.Dir(dayDir)))
	return year + "-" + month + "-" + day
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
