package indicators

import (
	"math"
	"testing"

	"futures-trader/internal/binance"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestZScoreConstantHistory(t *testing.T) {
	history := []float64{5, 5, 5, 5}
	if z := ZScore(10, history); z != 0 {
		t.Errorf("expected 0 for zero-variance history, got %f", z)
	}
}

func TestZScoreShortHistory(t *testing.T) {
	if z := ZScore(10, []float64{5}); z != 0 {
		t.Errorf("expected 0 for single-element history, got %f", z)
	}
	if z := ZScore(10, nil); z != 0 {
		t.Errorf("expected 0 for empty history, got %f", z)
	}
}

func TestZScoreKnownValue(t *testing.T) {
	// mean=3, sample std=sqrt(2.5)
	history := []float64{1, 2, 3, 4, 5}
	got := ZScore(6, history)
	want := 3 / math.Sqrt(2.5)
	if !almostEqual(got, want) {
		t.Errorf("got %f want %f", got, want)
	}
}

func TestRSIAllGains(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	if rsi := RSI(closes, 14); rsi != 100 {
		t.Errorf("expected 100 for monotone rise, got %f", rsi)
	}
}

func TestRSIShortSeries(t *testing.T) {
	if rsi := RSI([]float64{1, 2, 3}, 14); rsi != 50 {
		t.Errorf("expected neutral 50 for short series, got %f", rsi)
	}
}

func TestEngulfingStrict(t *testing.T) {
	prev := binance.Kline{Open: 101, High: 102, Low: 99, Close: 100}  // red
	cur := binance.Kline{Open: 99.5, High: 103, Low: 98.5, Close: 102} // green, contains prev body and range

	if got := Engulfing(prev, cur, true); got != EngulfBullish {
		t.Errorf("expected bullish engulf, got %q", got)
	}

	// Body contains but range does not: strict rejects, loose accepts
	cur2 := binance.Kline{Open: 99.5, High: 101.5, Low: 99.2, Close: 102}
	if got := Engulfing(prev, cur2, true); got != EngulfNone {
		t.Errorf("strict mode should reject partial range containment, got %q", got)
	}
	if got := Engulfing(prev, cur2, false); got != EngulfBullish {
		t.Errorf("loose mode should accept body containment, got %q", got)
	}
}

func TestWickRatiosDoji(t *testing.T) {
	// Open == close, wick ratios must not blow up
	k := binance.Kline{Open: 100, High: 101, Low: 99, Close: 100}
	upper, lower := WickRatios(k)
	if math.IsInf(upper, 1) || math.IsNaN(upper) {
		t.Errorf("upper ratio not finite: %f", upper)
	}
	if math.IsInf(lower, 1) || math.IsNaN(lower) {
		t.Errorf("lower ratio not finite: %f", lower)
	}
}

func TestBollingerWidth(t *testing.T) {
	closes := []float64{10, 12, 11, 13, 12, 14, 13, 15, 14, 16, 15, 17, 16, 18, 17, 19, 18, 20, 19, 21}
	upper, middle, lower, width := Bollinger(closes, 20, 2.0)
	if upper <= middle || middle <= lower {
		t.Fatalf("band ordering broken: %f %f %f", upper, middle, lower)
	}
	wantWidth := (upper - lower) / middle
	if !almostEqual(width, wantWidth) {
		t.Errorf("width %f want %f", width, wantWidth)
	}
}

func TestComputeNeedsWindow(t *testing.T) {
	cfg := DefaultConfig()
	klines := makeTrendingKlines(cfg.MinWindow() - 1)
	if _, ok := Compute("TESTUSDT", klines, nil, cfg); ok {
		t.Error("expected compute to refuse a short window")
	}

	klines = makeTrendingKlines(cfg.MinWindow() + 5)
	v, ok := Compute("TESTUSDT", klines, nil, cfg)
	if !ok {
		t.Fatal("expected compute to succeed with full window")
	}
	if v.Symbol != "TESTUSDT" {
		t.Errorf("symbol %q", v.Symbol)
	}
	if v.HasOI {
		t.Error("HasOI should be false without an OI series")
	}
}

func TestComputeSpikeRaisesZScores(t *testing.T) {
	cfg := DefaultConfig()
	klines := makeTrendingKlines(cfg.MinWindow() + 10)

	// Replace the last bar with a violent expansion
	last := &klines[len(klines)-1]
	prevClose := klines[len(klines)-2].Close
	last.Open = prevClose
	last.Close = prevClose * 1.10
	last.High = last.Close * 1.01
	last.Low = prevClose * 0.999
	last.Volume = 50 * klines[len(klines)-2].Volume

	v, ok := Compute("TESTUSDT", klines, nil, cfg)
	if !ok {
		t.Fatal("compute failed")
	}
	if v.PriceChangeZScore < 2 {
		t.Errorf("expected elevated price z-score, got %f", v.PriceChangeZScore)
	}
	if v.VolumeZScore < 2 {
		t.Errorf("expected elevated volume z-score, got %f", v.VolumeZScore)
	}
	if v.ATRZScore <= 0 {
		t.Errorf("expected positive ATR z-score, got %f", v.ATRZScore)
	}
}

// makeTrendingKlines builds a gently drifting series with mild noise.
func makeTrendingKlines(n int) []binance.Kline {
	klines := make([]binance.Kline, n)
	price := 100.0
	for i := range klines {
		drift := 0.001 * float64(i%7-3)
		open := price
		close := price * (1 + drift)
		high := math.Max(open, close) * 1.002
		low := math.Min(open, close) * 0.998
		klines[i] = binance.Kline{
			OpenTime:  int64(i) * 300_000,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    1000 + float64(i%5)*10,
			CloseTime: int64(i)*300_000 + 299_999,
			IsClosed:  true,
		}
		price = close
	}
	return klines
}
