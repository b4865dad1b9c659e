package writer

import (
	"time"

	"github.com/rickgao/signal-exec/internal/config"
)

// WriterConfig controls batching.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultWriterConfig returns the journal batching defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     config.DefaultJournalBatchSize,
		FlushInterval: config.DefaultJournalFlushInterval,
	}
}

// ConfigFrom converts the journal section of the process config.
func ConfigFrom(cfg config.JournalConfig) WriterConfig {
	return WriterConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}
}

// WriterMetrics counts writer activity since start.
type WriterMetrics struct {
	Inserts int64
	Errors  int64
	Dropped int64
	Flushes int64
}

// decisionRow is the column layout of signal_decisions.
type decisionRow struct {
	SignalID    string
	Symbol      string
	StrategyKey string
	Side        string
	Stage       string
	Outcome     string
	Reason      string
	Message     string
	DecidedAt   time.Time
}
