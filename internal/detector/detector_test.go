package detector

import (
	"testing"

	"futures-trader/internal/indicators"
)

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestEvaluateDualGateFires(t *testing.T) {
	d := New(DefaultConfig())

	// Two Group A triggers (ATR, VOLUME) plus one Group B (BB breakout)
	v := &indicators.Values{
		Symbol:            "TESTUSDT",
		Close:             105,
		ATRZScore:         4.2,
		VolumeZScore:      3.8,
		PriceChangeZScore: 1.0,
		BBBreakoutUpper:   true,
	}

	anomaly, fired := d.Evaluate(v)
	if !fired {
		t.Fatal("expected dual gate to fire")
	}
	if !contains(anomaly.Triggered, TriggerATR) || !contains(anomaly.Triggered, TriggerVolume) {
		t.Errorf("missing group A triggers: %v", anomaly.Triggered)
	}
	if !contains(anomaly.Triggered, TriggerBBBreakout) {
		t.Errorf("missing group B trigger: %v", anomaly.Triggered)
	}
}

func TestEvaluateNoGroupBNoFire(t *testing.T) {
	d := New(DefaultConfig())

	// Strong volatility but no breakout or momentum confirmation
	v := &indicators.Values{
		Symbol:       "TESTUSDT",
		ATRZScore:    5.0,
		VolumeZScore: 4.0,
	}

	if _, fired := d.Evaluate(v); fired {
		t.Error("volatility without confirmation should not fire")
	}
}

func TestEvaluateSingleGroupANoFire(t *testing.T) {
	d := New(DefaultConfig())

	v := &indicators.Values{
		Symbol:          "TESTUSDT",
		ATRZScore:       5.0,
		BBBreakoutUpper: true,
	}

	if _, fired := d.Evaluate(v); fired {
		t.Error("one group A trigger should not satisfy the gate")
	}
}

func TestLevelCutoffs(t *testing.T) {
	tests := []struct {
		name               string
		atrZ, priceZ, volZ float64
		want               int
	}{
		{"level5 by max", 5.1, 1, 1, 5},
		{"level5 max at cutoff", 5, 1, 1, 5},
		{"level5 by mean", 4.5, 4.5, 4.5, 5},
		{"level4 by max", 4.2, 1, 1, 4},
		{"level4 max at cutoff", 3.2, 3.1, 4, 4},
		{"level3 by max", 3.7, 1, 1, 3},
		{"level3 max at cutoff", 3.5, 1, 1, 3},
		{"level2 by max", 3.2, 1, 1, 2},
		{"level2 max at cutoff", 3, 1, 1, 2},
		{"level2 mean at cutoff", 2.5, 2.5, 2.5, 2},
		{"level1 floor", 1, 1, 1, 1},
		{"negative z uses magnitude", -5.1, 1, 1, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := level(tt.atrZ, tt.priceZ, tt.volZ); got != tt.want {
				t.Errorf("level(%f, %f, %f) = %d, want %d", tt.atrZ, tt.priceZ, tt.volZ, got, tt.want)
			}
		})
	}
}

func TestAuxTriggersCarried(t *testing.T) {
	d := New(DefaultConfig())

	v := &indicators.Values{
		Symbol:          "TESTUSDT",
		ATRZScore:       4.0,
		VolumeZScore:    4.0,
		BBBreakoutUpper: true,
		RSI:             80,
		Engulfing:       indicators.EngulfBullish,
		LongUpperWick:   true,
	}

	anomaly, fired := d.Evaluate(v)
	if !fired {
		t.Fatal("expected fire")
	}
	for _, want := range []string{TriggerRSIOverbought, TriggerEngulfing, TriggerLongUpperWick} {
		if !contains(anomaly.Triggered, want) {
			t.Errorf("auxiliary trigger %s missing from %v", want, anomaly.Triggered)
		}
	}
}
