// Package indicators derives the per-bar indicator snapshot from a rolling
// kline window. All functions are pure; the only external input is the
// open-interest series polled by the caller.
package indicators

import (
	"math"

	"futures-trader/internal/binance"
)

// EngulfType classifies a strict engulfing bar.
type EngulfType string

const (
	EngulfNone    EngulfType = "none"
	EngulfBullish EngulfType = "bullish_engulf"
	EngulfBearish EngulfType = "bearish_engulf"
	EngulfPlain   EngulfType = "plain_engulf"
)

// DivergenceType classifies price/open-interest disagreement.
type DivergenceType string

const (
	DivergenceNone    DivergenceType = "none"
	DivergenceBullish DivergenceType = "bullish_divergence"
	DivergenceBearish DivergenceType = "bearish_divergence"
)

// Config holds indicator periods and thresholds.
type Config struct {
	ATRPeriod              int
	StdDevPeriod           int
	VolumeMAPeriod         int
	BBPeriod               int
	BBStdMultiplier        float64
	RSIPeriod              int
	EMAFastPeriod          int
	EMASlowPeriod          int
	OIMAPeriod             int
	OIMomentumPeriod       int
	OIDivergenceWindow     int
	LongWickRatioThreshold float64
	EngulfingStrictMode    bool
}

// DefaultConfig returns the standard periods.
func DefaultConfig() Config {
	return Config{
		ATRPeriod:              14,
		StdDevPeriod:           20,
		VolumeMAPeriod:         20,
		BBPeriod:               20,
		BBStdMultiplier:        2.0,
		RSIPeriod:              14,
		EMAFastPeriod:          12,
		EMASlowPeriod:          26,
		OIMAPeriod:             20,
		OIMomentumPeriod:       10,
		OIDivergenceWindow:     5,
		LongWickRatioThreshold: 2.0,
		EngulfingStrictMode:    true,
	}
}

// MinWindow returns the smallest window length that supports a full
// snapshot.
func (c Config) MinWindow() int {
	min := c.ATRPeriod + 1
	for _, p := range []int{c.StdDevPeriod, c.VolumeMAPeriod, c.BBPeriod, c.RSIPeriod + 1, c.EMASlowPeriod} {
		if p+1 > min {
			min = p + 1
		}
	}
	return min
}

// Values is the immutable per-bar indicator snapshot.
type Values struct {
	Symbol    string
	Timestamp int64
	Close     float64

	ATR       float64
	ATRZScore float64

	PriceChangeRate   float64
	PriceChangeZScore float64

	VolumeZScore float64

	RSI float64

	EMAFast      float64
	EMASlow      float64
	BullishCross bool
	BearishCross bool

	MADeviationZScore float64

	BBUpper         float64
	BBMiddle        float64
	BBLower         float64
	BBWidth         float64
	BBWidthZScore   float64
	BBBreakoutUpper bool
	BBBreakoutLower bool
	BBSqueeze       bool

	Engulfing EngulfType

	UpperWickRatio float64
	LowerWickRatio float64
	LongUpperWick  bool
	LongLowerWick  bool

	OpenInterest  float64
	OIChangeRate  float64
	OIZScore      float64
	OIMA          float64
	OIMomentum    float64
	OISurge       bool
	OIDivergence  DivergenceType
	HasOI         bool
}

// ZScore is (x − sample mean) / sample std over history. Returns 0 when the
// history is shorter than 2 or has zero variance.
func ZScore(x float64, history []float64) float64 {
	if len(history) < 2 {
		return 0
	}
	mean := Mean(history)
	variance := 0.0
	for _, v := range history {
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(history)-1))
	if std == 0 {
		return 0
	}
	return (x - mean) / std
}

// Mean is the arithmetic mean; 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// TrueRange is max(high−low, |high−prevClose|, |low−prevClose|).
func TrueRange(k binance.Kline, prevClose float64) float64 {
	tr := k.High - k.Low
	if d := math.Abs(k.High - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(k.Low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ATRSeries returns the rolling ATR (simple mean of the last period TRs) for
// every bar index with enough history, oldest first.
func ATRSeries(klines []binance.Kline, period int) []float64 {
	if len(klines) < period+1 {
		return nil
	}

	trs := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		trs = append(trs, TrueRange(klines[i], klines[i-1].Close))
	}

	out := make([]float64, 0, len(trs)-period+1)
	for i := period - 1; i < len(trs); i++ {
		out = append(out, Mean(trs[i-period+1:i+1]))
	}
	return out
}

// RSI computes Wilder-smoothed RSI over the close series.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// EMASeries returns the exponential moving average at every index from
// period−1 onward, oldest first. Seeded with the SMA of the first period
// values.
func EMASeries(closes []float64, period int) []float64 {
	if len(closes) < period {
		return nil
	}

	multiplier := 2.0 / float64(period+1)
	out := make([]float64, 0, len(closes)-period+1)

	ema := Mean(closes[:period])
	out = append(out, ema)
	for i := period; i < len(closes); i++ {
		ema = (closes[i]-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out
}

// Bollinger returns (upper, middle, lower, width) for the last period closes.
// Width is relative to the middle band when the middle is non-zero.
func Bollinger(closes []float64, period int, mult float64) (upper, middle, lower, width float64) {
	if len(closes) < period {
		return 0, 0, 0, 0
	}

	window := closes[len(closes)-period:]
	middle = Mean(window)
	variance := 0.0
	for _, v := range window {
		d := v - middle
		variance += d * d
	}
	std := math.Sqrt(variance / float64(period))

	upper = middle + mult*std
	lower = middle - mult*std
	if middle != 0 {
		width = (upper - lower) / middle
	} else {
		width = upper - lower
	}
	return upper, middle, lower, width
}

// bbWidthSeries computes the rolling Bollinger width for every window end.
func bbWidthSeries(closes []float64, period int, mult float64) []float64 {
	if len(closes) < period {
		return nil
	}
	out := make([]float64, 0, len(closes)-period+1)
	for end := period; end <= len(closes); end++ {
		_, _, _, width := Bollinger(closes[:end], period, mult)
		out = append(out, width)
	}
	return out
}

// Engulfing classifies the last two bars. In strict mode both the range and
// the body of the current bar must strictly contain the previous bar's; in
// loose mode only the body containment is required.
func Engulfing(prev, cur binance.Kline, strict bool) EngulfType {
	prevBodyHigh := math.Max(prev.Open, prev.Close)
	prevBodyLow := math.Min(prev.Open, prev.Close)
	curBodyHigh := math.Max(cur.Open, cur.Close)
	curBodyLow := math.Min(cur.Open, cur.Close)

	bodyEngulf := curBodyHigh > prevBodyHigh && curBodyLow < prevBodyLow
	rangeEngulf := cur.High > prev.High && cur.Low < prev.Low

	engulfed := bodyEngulf
	if strict {
		engulfed = bodyEngulf && rangeEngulf
	}
	if !engulfed {
		return EngulfNone
	}

	prevRed := prev.Close < prev.Open
	curGreen := cur.Close > cur.Open
	curRed := cur.Close < cur.Open

	switch {
	case prevRed && curGreen:
		return EngulfBullish
	case !prevRed && curRed:
		return EngulfBearish
	default:
		return EngulfPlain
	}
}

// WickRatios returns (upper, lower) wick length relative to the body. A
// doji body yields ratios against a tiny epsilon body instead of dividing
// by zero.
func WickRatios(k binance.Kline) (upper, lower float64) {
	body := math.Abs(k.Close - k.Open)
	if body == 0 {
		body = 1e-9
	}
	upperWick := k.High - math.Max(k.Open, k.Close)
	lowerWick := math.Min(k.Open, k.Close) - k.Low
	return upperWick / body, lowerWick / body
}

// Compute builds the full snapshot for the latest bar of the window. The
// window must hold at least cfg.MinWindow() bars; oiSeries may be nil when
// open-interest polling is disabled.
func Compute(symbol string, klines []binance.Kline, oiSeries []float64, cfg Config) (*Values, bool) {
	if len(klines) < cfg.MinWindow() {
		return nil, false
	}

	last := klines[len(klines)-1]
	closes := make([]float64, len(klines))
	volumes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		volumes[i] = k.Volume
	}

	v := &Values{
		Symbol:    symbol,
		Timestamp: last.OpenTime,
		Close:     last.Close,
	}

	// ATR and its z-score against the rolling ATR history
	atrs := ATRSeries(klines, cfg.ATRPeriod)
	if len(atrs) > 0 {
		v.ATR = atrs[len(atrs)-1]
		v.ATRZScore = ZScore(v.ATR, atrs[:len(atrs)-1])
	}

	// Price change rate and z-score against the change-rate history
	changes := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			changes = append(changes, (closes[i]-closes[i-1])/closes[i-1])
		} else {
			changes = append(changes, 0)
		}
	}
	if len(changes) > 0 {
		v.PriceChangeRate = changes[len(changes)-1]
		history := changes[:len(changes)-1]
		if len(history) > cfg.StdDevPeriod {
			history = history[len(history)-cfg.StdDevPeriod:]
		}
		v.PriceChangeZScore = ZScore(v.PriceChangeRate, history)
	}

	// Volume z-score against the recent volume history excluding the bar
	volHistory := volumes[:len(volumes)-1]
	if len(volHistory) > cfg.VolumeMAPeriod {
		volHistory = volHistory[len(volHistory)-cfg.VolumeMAPeriod:]
	}
	v.VolumeZScore = ZScore(last.Volume, volHistory)

	v.RSI = RSI(closes, cfg.RSIPeriod)

	// EMA cross: the previous-bar relation flipping on the current bar
	fast := EMASeries(closes, cfg.EMAFastPeriod)
	slow := EMASeries(closes, cfg.EMASlowPeriod)
	if len(fast) >= 2 && len(slow) >= 2 {
		v.EMAFast = fast[len(fast)-1]
		v.EMASlow = slow[len(slow)-1]
		prevFast := fast[len(fast)-2]
		prevSlow := slow[len(slow)-2]
		v.BullishCross = prevFast <= prevSlow && v.EMAFast > v.EMASlow
		v.BearishCross = prevFast >= prevSlow && v.EMAFast < v.EMASlow
	}

	// MA deviation z-score: relative distance from the rolling SMA
	devs := make([]float64, 0)
	for end := cfg.StdDevPeriod; end <= len(closes); end++ {
		sma := Mean(closes[end-cfg.StdDevPeriod : end])
		if sma != 0 {
			devs = append(devs, (closes[end-1]-sma)/sma)
		} else {
			devs = append(devs, 0)
		}
	}
	if len(devs) > 0 {
		v.MADeviationZScore = ZScore(devs[len(devs)-1], devs[:len(devs)-1])
	}

	// Bollinger battery
	widths := bbWidthSeries(closes, cfg.BBPeriod, cfg.BBStdMultiplier)
	v.BBUpper, v.BBMiddle, v.BBLower, v.BBWidth = Bollinger(closes, cfg.BBPeriod, cfg.BBStdMultiplier)
	if len(widths) > 0 {
		v.BBWidthZScore = ZScore(v.BBWidth, widths[:len(widths)-1])
	}
	v.BBBreakoutUpper = last.Close > v.BBUpper
	v.BBBreakoutLower = last.Close < v.BBLower
	v.BBSqueeze = v.BBWidthZScore < -2

	v.Engulfing = Engulfing(klines[len(klines)-2], last, cfg.EngulfingStrictMode)

	v.UpperWickRatio, v.LowerWickRatio = WickRatios(last)
	v.LongUpperWick = v.UpperWickRatio > cfg.LongWickRatioThreshold
	v.LongLowerWick = v.LowerWickRatio > cfg.LongWickRatioThreshold

	if len(oiSeries) >= 2 {
		v.HasOI = true
		applyOpenInterest(v, closes, oiSeries, cfg)
	} else {
		v.OIDivergence = DivergenceNone
	}

	return v, true
}

func applyOpenInterest(v *Values, closes, oi []float64, cfg Config) {
	last := oi[len(oi)-1]
	prev := oi[len(oi)-2]

	v.OpenInterest = last
	if prev != 0 {
		v.OIChangeRate = (last - prev) / prev
	}
	v.OIZScore = ZScore(last, oi[:len(oi)-1])

	maWindow := oi
	if len(maWindow) > cfg.OIMAPeriod {
		maWindow = maWindow[len(maWindow)-cfg.OIMAPeriod:]
	}
	v.OIMA = Mean(maWindow)

	if len(oi) > cfg.OIMomentumPeriod {
		base := oi[len(oi)-1-cfg.OIMomentumPeriod]
		if base != 0 {
			v.OIMomentum = (last - base) / base
		}
	}

	v.OISurge = math.Abs(v.OIZScore) > 2.5
	v.OIDivergence = divergence(closes, oi, cfg.OIDivergenceWindow)
}

// divergence reports windowed sign disagreement between price and OI. Moves
// below 0.5% on price or 1% on OI are noise and never classify.
func divergence(closes, oi []float64, window int) DivergenceType {
	if window < 1 || len(closes) <= window || len(oi) <= window {
		return DivergenceNone
	}

	priceBase := closes[len(closes)-1-window]
	oiBase := oi[len(oi)-1-window]
	if priceBase == 0 || oiBase == 0 {
		return DivergenceNone
	}

	priceDelta := (closes[len(closes)-1] - priceBase) / priceBase
	oiDelta := (oi[len(oi)-1] - oiBase) / oiBase

	if math.Abs(priceDelta) <= 0.005 || math.Abs(oiDelta) <= 0.01 {
		return DivergenceNone
	}
	if priceDelta > 0 && oiDelta < 0 {
		return DivergenceBearish
	}
	if priceDelta < 0 && oiDelta > 0 {
		return DivergenceBullish
	}
	return DivergenceNone
}
