// Package pipeline wires the market-data path: symbol universe, kline
// fleet, rolling windows, indicator battery, anomaly detector and alert
// aggregator.
package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trader/internal/alerts"
	"futures-trader/internal/binance"
	"futures-trader/internal/detector"
	"futures-trader/internal/indicators"
	"futures-trader/internal/market"
	"futures-trader/internal/universe"
)

// seedWorkers bounds concurrent REST warmup calls.
const seedWorkers = 5

// klineSource is the slice of the REST client warmup needs.
type klineSource interface {
	GetKlines(symbol, interval string, limit int) ([]binance.Kline, error)
}

// BarListener receives every closed bar after the window is updated. The
// simulator hooks in here.
type BarListener func(symbol string, bar binance.Kline)

// Pipeline runs the detection loop. Klines stream in per symbol; closed
// bars update the windows and run the indicator battery, and detector hits
// land in the aggregator.
type Pipeline struct {
	mu sync.Mutex

	client   klineSource
	windows  *market.WindowStore
	oi       *binance.OpenInterestCache
	fleet    *binance.KlineFleet
	universe *universe.Updater
	agg      *alerts.Aggregator
	icfg     indicators.Config
	det      *detector.Detector
	interval string
	warmup   int
	logger   zerolog.Logger

	barListeners []BarListener
	started      bool

	barsProcessed int64
	anomaliesSeen int64
}

// Options carries the pipeline dependencies.
type Options struct {
	Client       *binance.Client
	Windows      *market.WindowStore
	OpenInterest *binance.OpenInterestCache // nil disables the OI battery
	Universe     *universe.Updater
	Aggregator   *alerts.Aggregator
	Indicators   indicators.Config
	Detector     detector.Config
	FleetConfig  binance.FleetConfig
	Interval     string
	WarmupSize   int
}

// New creates the pipeline and its kline fleet.
func New(opts Options, logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		client:   opts.Client,
		windows:  opts.Windows,
		oi:       opts.OpenInterest,
		universe: opts.Universe,
		agg:      opts.Aggregator,
		icfg:     opts.Indicators,
		det:      detector.New(opts.Detector),
		interval: opts.Interval,
		warmup:   opts.WarmupSize,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
	p.fleet = binance.NewKlineFleet(opts.FleetConfig, p.onKline, logger)
	p.universe.OnDiff(p.onUniverseDiff)
	return p
}

// AddBarListener registers a closed-bar listener. Must be called before
// Start.
func (p *Pipeline) AddBarListener(fn BarListener) {
	p.barListeners = append(p.barListeners, fn)
}

// Start resolves the universe, warms the windows over REST and opens the
// kline fleet.
func (p *Pipeline) Start() error {
	if err := p.universe.Refresh(); err != nil {
		return err
	}

	symbols := p.universe.Symbols()
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	if err := p.fleet.Start(symbols); err != nil {
		return err
	}
	p.universe.Start()

	p.logger.Info().Int("symbols", len(symbols)).Str("interval", p.interval).
		Msg("pipeline started")
	return nil
}

// Stop closes the fleet, the universe loop and drains the aggregator.
func (p *Pipeline) Stop() {
	p.universe.Stop()
	p.fleet.Close()
	p.agg.Stop()
	p.logger.Info().Msg("pipeline stopped")
}

// GetStats returns pipeline counters.
func (p *Pipeline) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"bars_processed": p.barsProcessed,
		"anomalies":      p.anomaliesSeen,
		"symbols":        len(p.universe.Symbols()),
	}
}

// Fleet exposes the kline fleet for stats registration.
func (p *Pipeline) Fleet() *binance.KlineFleet {
	return p.fleet
}

// onUniverseDiff seeds additions, drops removals and rebuilds the fleet.
// The initial Refresh lands here too, before the fleet starts; it only
// seeds.
func (p *Pipeline) onUniverseDiff(added, removed []string) {
	p.seed(added)

	for _, symbol := range removed {
		p.windows.Remove(symbol)
		if p.oi != nil {
			p.oi.Forget(symbol)
		}
	}

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started && (len(added) > 0 || len(removed) > 0) {
		p.fleet.UpdateSymbols(added, removed)
	}
}

// seed backfills windows over REST, a few symbols at a time.
func (p *Pipeline) seed(symbols []string) {
	if len(symbols) == 0 {
		return
	}

	sem := make(chan struct{}, seedWorkers)
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			klines, err := p.client.GetKlines(symbol, p.interval, p.warmup+1)
			if err != nil {
				p.logger.Warn().Err(err).Str("symbol", symbol).Msg("warmup failed, window fills from stream")
				return
			}
			// The last row is the still-open candle; only closed bars enter
			// the window, the stream delivers the rest.
			if len(klines) > 0 {
				klines = klines[:len(klines)-1]
			}
			p.windows.Seed(symbol, klines)
		}(symbol)
	}
	wg.Wait()
	p.logger.Info().Int("symbols", len(symbols)).Msg("windows seeded")
}

// onKline is the fleet callback. Open bars only track the running low;
// closed bars drive the full evaluation.
func (p *Pipeline) onKline(symbol string, k binance.Kline) {
	if !k.IsClosed {
		p.windows.SetRealtimeLow(symbol, k.Low)
		return
	}

	p.windows.Update(symbol, k)
	p.agg.ObserveCycle(k.OpenTime)

	p.mu.Lock()
	p.barsProcessed++
	listeners := p.barListeners
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(symbol, k)
	}

	if !p.windows.HasEnough(symbol, p.icfg.MinWindow()) {
		return
	}

	var oiSeries []float64
	if p.oi != nil {
		series, err := p.oi.Get(symbol, k.OpenTime)
		if err != nil {
			p.logger.Debug().Err(err).Str("symbol", symbol).Msg("open interest unavailable")
		} else {
			oiSeries = series
		}
	}

	values, ok := indicators.Compute(symbol, p.windows.Window(symbol), oiSeries, p.icfg)
	if !ok {
		return
	}

	anomaly, fired := p.det.Evaluate(values)
	if !fired {
		return
	}

	p.mu.Lock()
	p.anomaliesSeen++
	p.mu.Unlock()

	p.logger.Info().Str("symbol", symbol).Int("level", anomaly.Level).
		Strs("triggers", anomaly.Triggered).Float64("price", anomaly.Price).
		Msg("anomaly detected")
	p.agg.Add(anomaly)
}

// WarmupAge reports how stale a symbol's latest bar is. Used by health
// views.
func (p *Pipeline) WarmupAge(symbol string) (time.Duration, bool) {
	latest, ok := p.windows.Latest(symbol)
	if !ok {
		return 0, false
	}
	return time.Since(time.UnixMilli(latest.CloseTime)), true
}
