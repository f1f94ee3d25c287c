package binance

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// KlineHandler receives one kline update per stream message.
type KlineHandler func(symbol string, kline Kline)

// FleetConfig holds the kline fleet parameters.
type FleetConfig struct {
	BaseURL                 string
	Interval                string
	ReconnectDelay          time.Duration
	MaxReconnectAttempts    int
	MaxStreamsPerConnection int
}

// streamEvent is the combined-stream envelope.
type streamEvent struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// klineEvent is the payload of a <symbol>@kline_<interval> stream message.
type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime int64   `json:"t"`
		CloseTime int64   `json:"T"`
		Open      float64 `json:"o,string"`
		High      float64 `json:"h,string"`
		Low       float64 `json:"l,string"`
		Close     float64 `json:"c,string"`
		Volume    float64 `json:"v,string"`
		IsClosed  bool    `json:"x"`
	} `json:"k"`
}

// fleetConn is one combined-stream connection owning a subset of the
// universe.
type fleetConn struct {
	symbols  []string
	conn     *websocket.Conn
	stopChan chan struct{}
	done     chan struct{}
}

// KlineFleet maintains N multiplexed kline stream connections over the full
// symbol universe, partitioned into groups of at most
// MaxStreamsPerConnection streams each.
type KlineFleet struct {
	mu sync.Mutex

	cfg     FleetConfig
	handler KlineHandler
	logger  zerolog.Logger

	symbols    []string
	conns      []*fleetConn
	generation int
	running    bool

	updatesReceived int64
	reconnects      int64
}

// NewKlineFleet creates a fleet. The handler is invoked from each
// connection's reader, so per-symbol updates arrive in stream order.
func NewKlineFleet(cfg FleetConfig, handler KlineHandler, logger zerolog.Logger) *KlineFleet {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://fstream.binance.com"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.MaxStreamsPerConnection <= 0 {
		cfg.MaxStreamsPerConnection = 200
	}

	return &KlineFleet{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "kline_fleet").Logger(),
	}
}

// Start opens connections for the given symbol set.
func (f *KlineFleet) Start(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("fleet already running")
	}
	f.running = true
	f.symbols = append([]string(nil), symbols...)
	f.openAllLocked()

	f.logger.Info().Int("symbols", len(symbols)).Int("connections", len(f.conns)).
		Str("interval", f.cfg.Interval).Msg("fleet started")
	return nil
}

// UpdateSymbols applies a universe diff. The whole fleet is torn down and
// rebuilt: a brief data gap in exchange for simple invariants.
// TODO: switch to SUBSCRIBE/UNSUBSCRIBE stream commands to avoid the gap.
func (f *KlineFleet) UpdateSymbols(added, removed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}

	current := make(map[string]bool, len(f.symbols))
	for _, s := range f.symbols {
		current[s] = true
	}
	for _, s := range removed {
		delete(current, s)
	}
	for _, s := range added {
		current[s] = true
	}

	symbols := make([]string, 0, len(current))
	for s := range current {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	f.symbols = symbols

	f.closeAllLocked()
	f.openAllLocked()

	f.logger.Info().Int("added", len(added)).Int("removed", len(removed)).
		Int("symbols", len(symbols)).Int("connections", len(f.conns)).
		Msg("fleet rebuilt")
}

// Close shuts every connection down. Idempotent, and safe to call from a
// reader: readers are signalled, never joined.
func (f *KlineFleet) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	f.closeAllLocked()
	f.logger.Info().Msg("fleet closed")
}

// Symbols returns the current universe.
func (f *KlineFleet) Symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.symbols...)
}

// GetStats returns fleet statistics.
func (f *KlineFleet) GetStats() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	return map[string]interface{}{
		"running":          f.running,
		"symbols":          len(f.symbols),
		"connections":      len(f.conns),
		"updates_received": f.updatesReceived,
		"reconnects":       f.reconnects,
	}
}

// openAllLocked partitions the universe and launches one runner per group.
// Caller holds f.mu.
func (f *KlineFleet) openAllLocked() {
	f.generation++
	gen := f.generation
	f.conns = nil

	for start := 0; start < len(f.symbols); start += f.cfg.MaxStreamsPerConnection {
		end := start + f.cfg.MaxStreamsPerConnection
		if end > len(f.symbols) {
			end = len(f.symbols)
		}
		fc := &fleetConn{
			symbols:  append([]string(nil), f.symbols[start:end]...),
			stopChan: make(chan struct{}),
			done:     make(chan struct{}),
		}
		f.conns = append(f.conns, fc)
		go f.run(fc, gen)
	}
}

// closeAllLocked signals every runner and closes its socket. Caller holds
// f.mu.
func (f *KlineFleet) closeAllLocked() {
	for _, fc := range f.conns {
		close(fc.stopChan)
		if fc.conn != nil {
			fc.conn.Close()
		}
	}
	f.conns = nil
}

func (f *KlineFleet) streamURL(symbols []string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@kline_" + f.cfg.Interval
	}
	return f.cfg.BaseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// run owns one connection: dial, read until error, back off geometrically
// (delay doubles per attempt, capped at 60s), give up after the configured
// attempt budget. A successful read resets the attempt counter.
func (f *KlineFleet) run(fc *fleetConn, gen int) {
	defer close(fc.done)

	wsURL := f.streamURL(fc.symbols)
	attempt := 0

	for {
		select {
		case <-fc.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			attempt++
			if attempt >= f.cfg.MaxReconnectAttempts {
				f.logger.Error().Int("attempts", attempt).Int("streams", len(fc.symbols)).
					Err(err).Msg("giving up on connection")
				return
			}
			delay := f.backoff(attempt)
			f.logger.Warn().Int("attempt", attempt).Dur("retry_in", delay).
				Err(err).Msg("dial failed, backing off")

			select {
			case <-fc.stopChan:
				return
			case <-time.After(delay):
			}
			continue
		}

		f.mu.Lock()
		if gen != f.generation || !f.running {
			// Fleet rebuilt while dialing; this runner is stale
			f.mu.Unlock()
			conn.Close()
			return
		}
		fc.conn = conn
		f.reconnects++
		f.mu.Unlock()

		f.logger.Debug().Int("streams", len(fc.symbols)).Msg("connection established")

		if f.readLoop(fc, conn, gen) {
			attempt = 0
		}

		select {
		case <-fc.stopChan:
			return
		default:
			attempt++
			if attempt >= f.cfg.MaxReconnectAttempts {
				f.logger.Error().Int("attempts", attempt).Msg("giving up on connection")
				return
			}
			delay := f.backoff(attempt)
			f.logger.Warn().Int("attempt", attempt).Dur("retry_in", delay).
				Msg("connection lost, reconnecting")
			select {
			case <-fc.stopChan:
				return
			case <-time.After(delay):
			}
		}
	}
}

// readLoop reads until the connection dies; returns true if at least one
// message was handled.
func (f *KlineFleet) readLoop(fc *fleetConn, conn *websocket.Conn, gen int) bool {
	anyHandled := false
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return anyHandled
		}

		var envelope streamEvent
		if err := json.Unmarshal(message, &envelope); err != nil {
			f.logger.Debug().Err(err).Msg("unparseable stream frame")
			continue
		}

		var event klineEvent
		if err := json.Unmarshal(envelope.Data, &event); err != nil || event.EventType != "kline" {
			continue
		}

		f.mu.Lock()
		stale := gen != f.generation
		if !stale {
			f.updatesReceived++
		}
		f.mu.Unlock()
		if stale {
			// Universe changed under us; drop the frame
			return anyHandled
		}

		anyHandled = true
		f.handler(event.Symbol, Kline{
			OpenTime:  event.Kline.StartTime,
			CloseTime: event.Kline.CloseTime,
			Open:      event.Kline.Open,
			High:      event.Kline.High,
			Low:       event.Kline.Low,
			Close:     event.Kline.Close,
			Volume:    event.Kline.Volume,
			IsClosed:  event.Kline.IsClosed,
		})
	}
}

func (f *KlineFleet) backoff(attempt int) time.Duration {
	delay := f.cfg.ReconnectDelay * time.Duration(1<<uint(attempt-1))
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}
