// Package universe maintains the tradable symbol set and feeds diffs to the
// fleet and warmup callbacks.
package universe

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
)

// marketClient is the slice of the REST client the updater needs.
type marketClient interface {
	GetExchangeInfo() (*binance.ExchangeInfo, error)
	GetAll24hrTickers() ([]binance.Ticker24h, error)
}

// DiffFunc receives the symbols that entered and left the universe.
type DiffFunc func(added, removed []string)

// Config holds the universe filter parameters.
type Config struct {
	MinVolume24h   float64
	Exclude        []string
	UpdateInterval time.Duration
}

// Updater periodically refreshes the tradable set: USDT perpetuals with
// status TRADING, optionally above a 24h quote-volume floor, minus the
// exclude list.
type Updater struct {
	mu sync.Mutex

	cfg      Config
	client   marketClient
	logger   zerolog.Logger
	exclude  map[string]bool
	current  map[string]bool
	onDiff   []DiffFunc
	stopChan chan struct{}
	running  bool
}

// NewUpdater creates an updater.
func NewUpdater(cfg Config, client marketClient, logger zerolog.Logger) *Updater {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 15 * time.Minute
	}

	exclude := make(map[string]bool, len(cfg.Exclude))
	for _, s := range cfg.Exclude {
		exclude[s] = true
	}

	return &Updater{
		cfg:      cfg,
		client:   client,
		logger:   logger.With().Str("component", "universe").Logger(),
		exclude:  exclude,
		current:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}
}

// OnDiff registers a diff callback. Callbacks fire in registration order
// from the refresh goroutine.
func (u *Updater) OnDiff(fn DiffFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onDiff = append(u.onDiff, fn)
}

// Refresh fetches the universe once and dispatches the diff. The initial
// call populates the set and reports every symbol as added.
func (u *Updater) Refresh() error {
	symbols, err := u.fetch()
	if err != nil {
		return err
	}

	next := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		next[s] = true
	}

	u.mu.Lock()
	var added, removed []string
	for s := range next {
		if !u.current[s] {
			added = append(added, s)
		}
	}
	for s := range u.current {
		if !next[s] {
			removed = append(removed, s)
		}
	}
	u.current = next
	callbacks := u.onDiff
	u.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)

	if len(added) > 0 || len(removed) > 0 {
		u.logger.Info().Int("total", len(next)).Int("added", len(added)).
			Int("removed", len(removed)).Msg("universe updated")
		for _, fn := range callbacks {
			fn(added, removed)
		}
	}

	return nil
}

// Start runs the refresh loop until Stop.
func (u *Updater) Start() {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return
	}
	u.running = true
	u.mu.Unlock()

	go func() {
		ticker := time.NewTicker(u.cfg.UpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-u.stopChan:
				return
			case <-ticker.C:
				if err := u.Refresh(); err != nil {
					u.logger.Warn().Err(err).Msg("universe refresh failed")
				}
			}
		}
	}()
}

// Stop terminates the refresh loop. Idempotent.
func (u *Updater) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.running {
		return
	}
	u.running = false
	close(u.stopChan)
}

// Symbols returns the current universe, sorted.
func (u *Updater) Symbols() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]string, 0, len(u.current))
	for s := range u.current {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (u *Updater) fetch() ([]string, error) {
	info, err := u.client.GetExchangeInfo()
	if err != nil {
		return nil, err
	}

	var volumes map[string]float64
	if u.cfg.MinVolume24h > 0 {
		tickers, err := u.client.GetAll24hrTickers()
		if err != nil {
			return nil, err
		}
		volumes = make(map[string]float64, len(tickers))
		for _, t := range tickers {
			volumes[t.Symbol] = t.QuoteVolume
		}
	}

	var symbols []string
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.QuoteAsset != "USDT" || s.ContractType != "PERPETUAL" {
			continue
		}
		if u.exclude[s.Symbol] {
			continue
		}
		if volumes != nil && volumes[s.Symbol] < u.cfg.MinVolume24h {
			continue
		}
		symbols = append(symbols, s.Symbol)
	}

	return symbols, nil
}
