package alerts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AggregateEntry is the per-symbol payload of one JSONL record.
type AggregateEntry struct {
	Symbol        string   `json:"symbol"`
	Price         float64  `json:"price"`
	ChangePercent float64  `json:"change_percent"`
	ATRZScore     float64  `json:"atr_zscore"`
	PriceZScore   float64  `json:"price_zscore"`
	VolumeZScore  float64  `json:"volume_zscore"`
	Level         int      `json:"level"`
	Triggered     []string `json:"triggered"`
	Engulfing     string   `json:"engulfing"`
}

// AggregateRecord is one JSON line per aggregation cycle, the handoff to
// downstream decision pipelines. Written even when the cycle held no
// alerts.
type AggregateRecord struct {
	Type         string           `json:"type"`
	Timestamp    string           `json:"ts"`
	Interval     string           `json:"interval"`
	Symbols      []string         `json:"symbols"`
	Entries      []AggregateEntry `json:"entries"`
	EmailSubject string           `json:"email_subject"`
	EmailExcerpt string           `json:"email_excerpt"`
	WindowStart  string           `json:"window_start"`
	WindowEnd    string           `json:"window_end"`
	PendingCount int              `json:"pending_count"`
	Source       string           `json:"source"`
}

// JSONLWriter appends one record per line to the alert log. The parent
// directory is created on first use.
type JSONLWriter struct {
	mu       sync.Mutex
	path     string
	interval string
	source   string
	logger   zerolog.Logger
}

// NewJSONLWriter creates a writer for the given path.
func NewJSONLWriter(path, interval, source string, logger zerolog.Logger) *JSONLWriter {
	return &JSONLWriter{
		path:     path,
		interval: interval,
		source:   source,
		logger:   logger.With().Str("component", "alert_log").Logger(),
	}
}

// WriteBatch converts a flushed batch into an aggregate record and appends
// it. Write failures are logged, never propagated: the in-memory pipeline
// keeps running.
func (w *JSONLWriter) WriteBatch(batch Batch) {
	record := BuildRecord(batch, w.interval, w.source)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		w.logger.Error().Err(err).Msg("failed to create alert log directory")
		return
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to open alert log")
		return
	}
	defer f.Close()

	line, err := json.Marshal(record)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to marshal alert record")
		return
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		w.logger.Error().Err(err).Msg("failed to append alert record")
	}
}

// BuildRecord maps a batch onto the JSONL schema.
func BuildRecord(batch Batch, interval, source string) AggregateRecord {
	entries := make([]AggregateEntry, len(batch.Entries))
	symbols := make([]string, len(batch.Entries))
	for i, a := range batch.Entries {
		symbols[i] = a.Symbol
		entries[i] = AggregateEntry{
			Symbol:        a.Symbol,
			Price:         a.Price,
			ChangePercent: a.ChangePercent,
			ATRZScore:     a.ATRZScore,
			PriceZScore:   a.PriceZScore,
			VolumeZScore:  a.VolumeZScore,
			Level:         a.Level,
			Triggered:     a.Triggered,
			Engulfing:     string(a.Engulfing),
		}
	}

	windowStart := time.UnixMilli(batch.CycleTime).UTC()

	return AggregateRecord{
		Type:         "aggregate",
		Timestamp:    batch.FlushedAt.UTC().Format(time.RFC3339),
		Interval:     interval,
		Symbols:      symbols,
		Entries:      entries,
		EmailSubject: Subject(batch),
		EmailExcerpt: Excerpt(batch),
		WindowStart:  windowStart.Format(time.RFC3339),
		WindowEnd:    batch.FlushedAt.UTC().Format(time.RFC3339),
		PendingCount: batch.PendingCount,
		Source:       source,
	}
}

// Subject builds the notification subject line for a batch.
func Subject(batch Batch) string {
	if len(batch.Entries) == 0 {
		return "Market scan: no anomalies"
	}

	maxLevel := 0
	for _, a := range batch.Entries {
		if a.Level > maxLevel {
			maxLevel = a.Level
		}
	}
	return fmt.Sprintf("Market anomalies: %d symbol(s), max level %d", len(batch.Entries), maxLevel)
}

// Excerpt builds a short plain-text body for a batch.
func Excerpt(batch Batch) string {
	if len(batch.Entries) == 0 {
		return "No anomalies this cycle."
	}

	out := ""
	for _, a := range batch.Entries {
		out += fmt.Sprintf("%s L%d %.2f%% (atrZ=%.2f priceZ=%.2f volZ=%.2f)\n",
			a.Symbol, a.Level, a.ChangePercent, a.ATRZScore, a.PriceZScore, a.VolumeZScore)
	}
	return out
}
