package alerts

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-trader/internal/detector"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches []Batch
}

func (r *flushRecorder) flush(b Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *flushRecorder) last() Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[len(r.batches)-1]
}

func anomaly(symbol string, cycle int64) *detector.Anomaly {
	return &detector.Anomaly{Symbol: symbol, Timestamp: cycle, Level: 2}
}

func newTestAggregator(cfg Config, rec *flushRecorder) *Aggregator {
	return NewAggregator(cfg, rec.flush, zerolog.Nop())
}

func TestDebounceFlushCollectsCycle(t *testing.T) {
	rec := &flushRecorder{}
	agg := newTestAggregator(Config{Cooldown: time.Hour, SendDelay: 30 * time.Millisecond, MaxBatchSize: 20}, rec)

	agg.Add(anomaly("AUSDT", 1000))
	agg.Add(anomaly("BUSDT", 1000))

	time.Sleep(100 * time.Millisecond)

	if rec.count() != 1 {
		t.Fatalf("expected one debounce flush, got %d", rec.count())
	}
	batch := rec.last()
	if len(batch.Entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(batch.Entries))
	}
	if batch.Entries[0].Symbol != "AUSDT" {
		t.Errorf("expected arrival order, got %s first", batch.Entries[0].Symbol)
	}
}

func TestCooldownSuppresses(t *testing.T) {
	rec := &flushRecorder{}
	agg := newTestAggregator(Config{Cooldown: time.Hour, SendDelay: 20 * time.Millisecond, MaxBatchSize: 20}, rec)

	agg.Add(anomaly("AUSDT", 1000))
	time.Sleep(60 * time.Millisecond)

	// Same symbol again inside the cooldown window
	agg.Add(anomaly("AUSDT", 2000))
	time.Sleep(60 * time.Millisecond)

	if rec.count() != 1 {
		t.Errorf("cooldown should suppress the second anomaly, got %d flushes", rec.count())
	}
}

func TestNewerAnomalyOverwritesPending(t *testing.T) {
	rec := &flushRecorder{}
	agg := newTestAggregator(Config{Cooldown: time.Hour, SendDelay: 50 * time.Millisecond, MaxBatchSize: 20}, rec)

	first := anomaly("AUSDT", 1000)
	first.Level = 2
	second := anomaly("AUSDT", 1000)
	second.Level = 5

	agg.Add(first)
	agg.Add(second)
	time.Sleep(120 * time.Millisecond)

	if rec.count() != 1 {
		t.Fatalf("expected one flush, got %d", rec.count())
	}
	batch := rec.last()
	if len(batch.Entries) != 1 {
		t.Fatalf("expected the pending entry to be overwritten, got %d entries", len(batch.Entries))
	}
	if batch.Entries[0].Level != 5 {
		t.Errorf("expected the newer anomaly to win, got level %d", batch.Entries[0].Level)
	}
}

func TestOneBatchPerCycle(t *testing.T) {
	rec := &flushRecorder{}
	// Long send delay so only cycle boundaries flush
	agg := newTestAggregator(Config{Cooldown: time.Hour, SendDelay: time.Hour, MaxBatchSize: 20}, rec)

	const cycles = 5
	for i := 0; i < cycles; i++ {
		cycle := int64(1000 * (i + 1))
		agg.ObserveCycle(cycle)
		if i%2 == 0 {
			agg.Add(anomaly("AUSDT"+string(rune('A'+i)), cycle))
		}
	}
	agg.ObserveCycle(int64(1000 * (cycles + 1)))
	agg.Stop()

	// Every observed cycle boundary after the first must have produced
	// exactly one batch, anomalies or not.
	if rec.count() != cycles {
		t.Errorf("expected %d batches for %d cycles, got %d", cycles, cycles, rec.count())
	}
}

func TestCycleChangeFlushesBeforeAdmit(t *testing.T) {
	rec := &flushRecorder{}
	agg := newTestAggregator(Config{Cooldown: time.Hour, SendDelay: time.Hour, MaxBatchSize: 20}, rec)

	agg.Add(anomaly("AUSDT", 1000))
	// A new cycle's anomaly arrives before any ObserveCycle call
	agg.Add(anomaly("BUSDT", 2000))

	if rec.count() != 1 {
		t.Fatalf("expected a synchronous cycle-change flush, got %d", rec.count())
	}
	batch := rec.last()
	if len(batch.Entries) != 1 || batch.Entries[0].Symbol != "AUSDT" {
		t.Errorf("first cycle's batch wrong: %+v", batch.Entries)
	}
}

func TestBatchCapDropsTail(t *testing.T) {
	rec := &flushRecorder{}
	agg := newTestAggregator(Config{Cooldown: time.Hour, SendDelay: time.Hour, MaxBatchSize: 3}, rec)

	symbols := []string{"A", "B", "C", "D", "E"}
	for _, s := range symbols {
		agg.Add(anomaly(s+"USDT", 1000))
	}
	agg.Stop()

	if rec.count() != 1 {
		t.Fatalf("expected one shutdown flush, got %d", rec.count())
	}
	batch := rec.last()
	if len(batch.Entries) != 3 {
		t.Fatalf("expected cap of 3, got %d", len(batch.Entries))
	}
	if batch.Dropped != 2 || batch.PendingCount != 5 {
		t.Errorf("dropped=%d pending=%d, want 2 and 5", batch.Dropped, batch.PendingCount)
	}
	// Oldest arrivals survive
	for i, want := range []string{"AUSDT", "BUSDT", "CUSDT"} {
		if batch.Entries[i].Symbol != want {
			t.Errorf("entry %d = %s, want %s", i, batch.Entries[i].Symbol, want)
		}
	}
}

func TestStopDrainsAndRejects(t *testing.T) {
	rec := &flushRecorder{}
	agg := newTestAggregator(Config{Cooldown: time.Hour, SendDelay: time.Hour, MaxBatchSize: 20}, rec)

	agg.Add(anomaly("AUSDT", 1000))
	agg.Stop()

	if rec.count() != 1 {
		t.Fatalf("expected shutdown drain, got %d flushes", rec.count())
	}

	agg.Add(anomaly("BUSDT", 2000))
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 1 {
		t.Error("stopped aggregator must reject new anomalies")
	}
}
