package market

import (
	"testing"

	"futures-trader/internal/binance"
)

func bar(openTime int64, close float64) binance.Kline {
	return binance.Kline{
		OpenTime:  openTime,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    100,
		CloseTime: openTime + 299_999,
		IsClosed:  true,
	}
}

func TestUpdateSameOpenTimeReplaces(t *testing.T) {
	w := NewWindowStore(10)
	w.Update("AUSDT", bar(1000, 50))
	w.Update("AUSDT", bar(1000, 55))

	window := w.Window("AUSDT")
	if len(window) != 1 {
		t.Fatalf("expected in-place replacement, got %d bars", len(window))
	}
	if window[0].Close != 55 {
		t.Errorf("expected newest value 55, got %f", window[0].Close)
	}
}

func TestUpdateEvictsOldest(t *testing.T) {
	w := NewWindowStore(3)
	for i := 0; i < 5; i++ {
		w.Update("AUSDT", bar(int64(i*1000), float64(i)))
	}

	window := w.Window("AUSDT")
	if len(window) != 3 {
		t.Fatalf("expected capacity 3, got %d", len(window))
	}
	if window[0].OpenTime != 2000 || window[2].OpenTime != 4000 {
		t.Errorf("wrong eviction order: %d..%d", window[0].OpenTime, window[2].OpenTime)
	}
}

func TestSeedTruncatesToCapacity(t *testing.T) {
	w := NewWindowStore(3)
	var klines []binance.Kline
	for i := 0; i < 6; i++ {
		klines = append(klines, bar(int64(i*1000), float64(i)))
	}
	w.Seed("AUSDT", klines)

	window := w.Window("AUSDT")
	if len(window) != 3 {
		t.Fatalf("expected 3 bars after seed, got %d", len(window))
	}
	if window[0].Close != 3 {
		t.Errorf("expected newest bars kept, first close %f", window[0].Close)
	}
}

func TestClosesAndVolumes(t *testing.T) {
	w := NewWindowStore(10)
	for i := 0; i < 4; i++ {
		w.Update("AUSDT", bar(int64(i*1000), float64(10+i)))
	}

	closes := w.Closes("AUSDT", 2)
	if len(closes) != 2 || closes[0] != 12 || closes[1] != 13 {
		t.Errorf("closes = %v", closes)
	}
	if got := len(w.Closes("AUSDT", 100)); got != 4 {
		t.Errorf("oversized request should clamp, got %d", got)
	}
}

func TestRealtimeLowKeepsMinimum(t *testing.T) {
	w := NewWindowStore(10)
	w.SetRealtimeLow("AUSDT", 99.5)
	w.SetRealtimeLow("AUSDT", 99.1)
	w.SetRealtimeLow("AUSDT", 99.8)

	low, ok := w.TakeRealtimeLow("AUSDT")
	if !ok || low != 99.1 {
		t.Errorf("expected 99.1, got %f (%v)", low, ok)
	}

	if _, ok := w.TakeRealtimeLow("AUSDT"); ok {
		t.Error("take must clear the stored low")
	}
}

func TestRemoveDropsState(t *testing.T) {
	w := NewWindowStore(10)
	w.Update("AUSDT", bar(1000, 50))
	w.SetRealtimeLow("AUSDT", 49)
	w.Remove("AUSDT")

	if len(w.Window("AUSDT")) != 0 {
		t.Error("window should be empty after remove")
	}
	if _, ok := w.TakeRealtimeLow("AUSDT"); ok {
		t.Error("realtime low should be cleared after remove")
	}
}
