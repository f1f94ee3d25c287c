// Package alerts batches anomalies per bar cycle and hands them to a single
// dispatch callback (notifier + JSONL log).
package alerts

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trader/internal/detector"
)

// Batch is one aggregation cycle handed to the flush callback. Entries are
// ordered oldest-arrival first; the excess tail past MaxBatchSize is
// dropped and counted.
type Batch struct {
	CycleTime    int64
	Entries      []*detector.Anomaly
	PendingCount int
	Dropped      int
	FlushedAt    time.Time
}

// FlushFunc receives each batch, including empty ones at cycle boundaries.
type FlushFunc func(Batch)

// Config holds the aggregator parameters.
type Config struct {
	Cooldown     time.Duration
	SendDelay    time.Duration
	MaxBatchSize int
}

type pendingEntry struct {
	anomaly *detector.Anomaly
	seq     int64
}

// Aggregator holds per-symbol cooldowns and the pending set for the current
// bar cycle. Two flush inputs exist: the debounce timer resets on every new
// anomaly within a cycle, and a cycle change flushes synchronously before
// the new cycle's first anomaly is admitted. The cycle-change path cancels
// the debounce timer, so a late anomaly landing exactly on the boundary goes
// into the next batch.
type Aggregator struct {
	mu sync.Mutex

	cfg     Config
	flushFn FlushFunc
	logger  zerolog.Logger

	pending      map[string]*pendingEntry
	lastSent     map[string]time.Time
	currentCycle int64
	flushedCycle bool
	seq          int64

	timer    *time.Timer
	timerGen int64
	stopped  bool

	flushCount   int64
	droppedTotal int64
	lastFlush    time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(cfg Config, flushFn FlushFunc, logger zerolog.Logger) *Aggregator {
	if cfg.SendDelay <= 0 {
		cfg.SendDelay = 3 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 20
	}
	return &Aggregator{
		cfg:      cfg,
		flushFn:  flushFn,
		logger:   logger.With().Str("component", "alert_aggregator").Logger(),
		pending:  make(map[string]*pendingEntry),
		lastSent: make(map[string]time.Time),
	}
}

// Add admits one anomaly. Symbols inside their cooldown window are dropped;
// a newer anomaly for a pending symbol overwrites the older one.
func (a *Aggregator) Add(anomaly *detector.Anomaly) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}

	if last, ok := a.lastSent[anomaly.Symbol]; ok && time.Since(last) < a.cfg.Cooldown {
		a.logger.Debug().Str("symbol", anomaly.Symbol).Msg("anomaly suppressed by cooldown")
		return
	}

	if a.currentCycle == 0 {
		a.currentCycle = anomaly.Timestamp
	} else if anomaly.Timestamp != a.currentCycle {
		a.flushLocked("cycle_change")
		a.currentCycle = anomaly.Timestamp
		a.flushedCycle = false
	}

	a.seq++
	a.pending[anomaly.Symbol] = &pendingEntry{anomaly: anomaly, seq: a.seq}
	a.resetTimerLocked()
}

// ObserveCycle tells the aggregator a bar cycle has closed, regardless of
// whether it produced anomalies. Guarantees one batch per cycle: a cycle
// that never flushed emits an empty batch at the boundary.
func (a *Aggregator) ObserveCycle(barTime int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}

	if a.currentCycle == 0 {
		a.currentCycle = barTime
		return
	}
	if barTime == a.currentCycle {
		return
	}

	if len(a.pending) > 0 || !a.flushedCycle {
		a.flushLocked("cycle_change")
	}
	a.currentCycle = barTime
	a.flushedCycle = false
}

// Stop drains the pending set synchronously and rejects further input.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}
	a.stopped = true
	a.cancelTimerLocked()
	if len(a.pending) > 0 {
		a.flushLocked("shutdown")
	}
}

// GetStats returns aggregator counters.
func (a *Aggregator) GetStats() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]interface{}{
		"flush_count":   a.flushCount,
		"dropped_total": a.droppedTotal,
		"pending":       len(a.pending),
		"last_flush":    a.lastFlush.Format(time.RFC3339),
	}
}

func (a *Aggregator) resetTimerLocked() {
	a.cancelTimerLocked()
	a.timerGen++
	gen := a.timerGen
	a.timer = time.AfterFunc(a.cfg.SendDelay, func() {
		a.onDebounce(gen)
	})
}

func (a *Aggregator) cancelTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
}

func (a *Aggregator) onDebounce(gen int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// A reset or cycle flush beat this fire
	if gen != a.timerGen {
		return
	}
	if a.stopped || len(a.pending) == 0 {
		return
	}
	a.flushLocked("debounce")
}

// flushLocked builds and dispatches the batch. Caller holds a.mu. The flush
// callback runs under the lock so cycle-change flushes are strictly ordered
// before the next cycle's first admit; callbacks must not call back into the
// aggregator.
func (a *Aggregator) flushLocked(reason string) {
	a.cancelTimerLocked()

	entries := make([]*pendingEntry, 0, len(a.pending))
	for _, e := range a.pending {
		entries = append(entries, e)
	}
	// Oldest arrival first; the tail past the cap is dropped
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].seq < entries[j-1].seq; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	pendingCount := len(entries)
	dropped := 0
	if len(entries) > a.cfg.MaxBatchSize {
		dropped = len(entries) - a.cfg.MaxBatchSize
		for _, e := range entries[a.cfg.MaxBatchSize:] {
			a.logger.Warn().Str("symbol", e.anomaly.Symbol).Str("reason", "batch_overflow").
				Msg("alert dropped")
		}
		entries = entries[:a.cfg.MaxBatchSize]
	}

	now := time.Now()
	anomalies := make([]*detector.Anomaly, len(entries))
	for i, e := range entries {
		anomalies[i] = e.anomaly
		a.lastSent[e.anomaly.Symbol] = now
	}

	a.pending = make(map[string]*pendingEntry)
	a.flushedCycle = true
	a.flushCount++
	a.droppedTotal += int64(dropped)
	a.lastFlush = now

	batch := Batch{
		CycleTime:    a.currentCycle,
		Entries:      anomalies,
		PendingCount: pendingCount,
		Dropped:      dropped,
		FlushedAt:    now,
	}

	a.logger.Info().Str("reason", reason).Int("entries", len(anomalies)).
		Int("dropped", dropped).Msg("alert batch flushed")

	if a.flushFn != nil {
		a.flushFn(batch)
	}
}
