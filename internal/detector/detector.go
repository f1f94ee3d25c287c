// Package detector runs the dual-gate anomaly rules over indicator
// snapshots.
package detector

import (
	"math"

	"futures-trader/internal/indicators"
)

// Trigger codes. Group A covers volatility, Group B covers
// breakout/momentum; the rest are auxiliary context carried on the result.
const (
	TriggerATR     = "ATR"
	TriggerPrice   = "PRICE"
	TriggerVolume  = "VOLUME"
	TriggerBBWidth = "BB_WIDTH"

	TriggerBBBreakout  = "BB_BREAKOUT"
	TriggerOISurge     = "OI_SURGE"
	TriggerOIZScore    = "OI_ZSCORE"
	TriggerMADeviation = "MA_DEVIATION"

	TriggerRSIOverbought = "RSI_OVERBOUGHT"
	TriggerRSIOversold   = "RSI_OVERSOLD"
	TriggerBullishCross  = "EMA_BULLISH_CROSS"
	TriggerBearishCross  = "EMA_BEARISH_CROSS"
	TriggerEngulfing     = "ENGULFING"
	TriggerLongUpperWick = "LONG_UPPER_WICK"
	TriggerLongLowerWick = "LONG_LOWER_WICK"
	TriggerBBSqueeze     = "BB_SQUEEZE"
	TriggerOIDivergence  = "OI_DIVERGENCE"
)

// Config holds the detector thresholds.
type Config struct {
	MinGroupA int
	MinGroupB int

	ATRZScore         float64
	PriceZScore       float64
	VolumeZScore      float64
	BBWidthZScore     float64
	OIZScore          float64
	MADeviationZScore float64

	RSIOverbought float64
	RSIOversold   float64

	StrongZScoreMargin float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinGroupA:          2,
		MinGroupB:          1,
		ATRZScore:          3.0,
		PriceZScore:        3.0,
		VolumeZScore:       3.5,
		BBWidthZScore:      3.0,
		OIZScore:           2.5,
		MADeviationZScore:  2.5,
		RSIOverbought:      75,
		RSIOversold:        25,
		StrongZScoreMargin: 1.0,
	}
}

// Anomaly is one dual-gate hit for a closed bar.
type Anomaly struct {
	Symbol        string                    `json:"symbol"`
	Timestamp     int64                     `json:"timestamp"`
	Price         float64                   `json:"price"`
	ChangePercent float64                   `json:"change_percent"`
	ATRZScore     float64                   `json:"atr_zscore"`
	PriceZScore   float64                   `json:"price_zscore"`
	VolumeZScore  float64                   `json:"volume_zscore"`
	Level         int                       `json:"level"`
	Triggered     []string                  `json:"triggered"`
	Engulfing     indicators.EngulfType     `json:"engulfing"`
	OIDivergence  indicators.DivergenceType `json:"oi_divergence"`
}

// Detector applies the dual-gate rule set.
type Detector struct {
	cfg Config
}

// New creates a detector.
func New(cfg Config) *Detector {
	if cfg.MinGroupA <= 0 {
		cfg.MinGroupA = 2
	}
	if cfg.MinGroupB <= 0 {
		cfg.MinGroupB = 1
	}
	return &Detector{cfg: cfg}
}

// Evaluate inspects one snapshot and returns an anomaly when the dual gate
// fires: at least MinGroupA volatility triggers and MinGroupB
// breakout/momentum triggers.
func (d *Detector) Evaluate(v *indicators.Values) (*Anomaly, bool) {
	groupA := d.groupATriggers(v)
	groupB := d.groupBTriggers(v)

	if len(groupA) < d.cfg.MinGroupA || len(groupB) < d.cfg.MinGroupB {
		return nil, false
	}

	triggered := append(groupA, groupB...)
	triggered = append(triggered, d.auxTriggers(v)...)

	return &Anomaly{
		Symbol:        v.Symbol,
		Timestamp:     v.Timestamp,
		Price:         v.Close,
		ChangePercent: v.PriceChangeRate * 100,
		ATRZScore:     v.ATRZScore,
		PriceZScore:   v.PriceChangeZScore,
		VolumeZScore:  v.VolumeZScore,
		Level:         level(v.ATRZScore, v.PriceChangeZScore, v.VolumeZScore),
		Triggered:     triggered,
		Engulfing:     v.Engulfing,
		OIDivergence:  v.OIDivergence,
	}, true
}

func (d *Detector) groupATriggers(v *indicators.Values) []string {
	var out []string
	if v.ATRZScore > d.cfg.ATRZScore {
		out = append(out, TriggerATR)
	}
	if math.Abs(v.PriceChangeZScore) > d.cfg.PriceZScore {
		out = append(out, TriggerPrice)
	}
	if v.VolumeZScore > d.cfg.VolumeZScore {
		out = append(out, TriggerVolume)
	}
	if v.BBWidthZScore > d.cfg.BBWidthZScore {
		out = append(out, TriggerBBWidth)
	}
	return out
}

func (d *Detector) groupBTriggers(v *indicators.Values) []string {
	var out []string
	if v.BBBreakoutUpper || v.BBBreakoutLower {
		out = append(out, TriggerBBBreakout)
	}
	if v.HasOI && v.OISurge {
		out = append(out, TriggerOISurge)
	}
	if v.HasOI && math.Abs(v.OIZScore) > d.cfg.OIZScore {
		out = append(out, TriggerOIZScore)
	}
	if math.Abs(v.MADeviationZScore) > d.cfg.MADeviationZScore {
		out = append(out, TriggerMADeviation)
	}
	return out
}

func (d *Detector) auxTriggers(v *indicators.Values) []string {
	var out []string
	if v.RSI > d.cfg.RSIOverbought {
		out = append(out, TriggerRSIOverbought)
	}
	if v.RSI < d.cfg.RSIOversold {
		out = append(out, TriggerRSIOversold)
	}
	if v.BullishCross {
		out = append(out, TriggerBullishCross)
	}
	if v.BearishCross {
		out = append(out, TriggerBearishCross)
	}
	if v.Engulfing != indicators.EngulfNone {
		out = append(out, TriggerEngulfing)
	}
	if v.LongUpperWick {
		out = append(out, TriggerLongUpperWick)
	}
	if v.LongLowerWick {
		out = append(out, TriggerLongLowerWick)
	}
	if v.BBSqueeze {
		out = append(out, TriggerBBSqueeze)
	}
	if v.OIDivergence != indicators.DivergenceNone {
		out = append(out, TriggerOIDivergence)
	}
	return out
}

// level maps the headline z-scores onto 1..5 via fixed cutoffs over their
// max and mean.
func level(atrZ, priceZ, volumeZ float64) int {
	zs := []float64{math.Abs(atrZ), math.Abs(priceZ), math.Abs(volumeZ)}

	max, sum := 0.0, 0.0
	for _, z := range zs {
		if z > max {
			max = z
		}
		sum += z
	}
	mean := sum / float64(len(zs))

	// Cutoffs are inclusive: a headline z-score of exactly 4 is level 4.
	switch {
	case max >= 5 || mean >= 4:
		return 5
	case max >= 4 || mean >= 3.5:
		return 4
	case max >= 3.5 || mean >= 3:
		return 3
	case max >= 3 || mean >= 2.5:
		return 2
	default:
		return 1
	}
}
