package assemblyai

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"murmur/internal/embedding"
	"murmur/internal/fileutil"
	"murmur/internal/logging"
)

// CostFileName is the ledger file kept alongside finished transcripts.
const CostFileName = ".assemblyai-cost.json"

type costRecord struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalHours   float64 `json:"total_hours"`
	LastUpdated  string  `json:"last_updated"`
}

// CostLedger accumulates transcription spend across restarts.
type CostLedger struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	record costRecord
}

// NewCostLedger loads (or initializes) the ledger in doneDir.
func NewCostLedger(doneDir string, logger *slog.Logger) *CostLedger {
	ledger := &CostLedger{
		path:   filepath.Join(doneDir, CostFileName),
		logger: logging.NewComponentLogger(logger, "assemblyai"),
	}
	if err := fileutil.ReadJSON(ledger.path, &ledger.record); err != nil {
		if !os.IsNotExist(err) {
			ledger.logger.Warn("failed to load cost history", logging.Error(err))
		}
		return ledger
	}
	ledger.logger.Info("loaded cost history",
		logging.Float64("total_cost_usd", ledger.record.TotalCostUSD),
		logging.Float64("total_hours", ledger.record.TotalHours),
	)
	return ledger
}

// Add records one transcription's duration and cost and persists the
// ledger.
func (l *CostLedger) Add(audioSeconds, costUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.TotalHours = embedding.Round4(l.record.TotalHours + audioSeconds/3600.0)
	l.record.TotalCostUSD = embedding.Round4(l.record.TotalCostUSD + costUSD)
	l.record.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	if err := fileutil.WriteJSONAtomic(l.path, l.record); err != nil {
		l.logger.Warn("failed to save cost data", logging.Error(err))
	}
}

// Totals returns accumulated spend and hours.
func (l *CostLedger) Totals() (costUSD, hours float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record.TotalCostUSD, l.record.TotalHours
}
